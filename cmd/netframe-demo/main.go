// Command netframe-demo is a thin demo CLI embedding the framing core:
// a "serve" subcommand that echoes every frame it receives, and a
// "connect" subcommand that sends one ping and prints the echo. Neither
// subcommand is part of the framework's contract (spec §6); they exist
// only to exercise it end to end.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brineport/netframe/client"
	"github.com/brineport/netframe/message"
	"github.com/brineport/netframe/server"
	"github.com/brineport/netframe/tlsutil"
)

func main() {
	app := &cli.App{
		Name:  "netframe-demo",
		Usage: "demo client/server for the length-prefixed framing core",
		Commands: []*cli.Command{
			serveCommand(),
			connectCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a demo server that echoes every message it receives",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: 6001},
			&cli.IntFlag{Name: "max-clients", Value: 64},
			&cli.StringFlag{Name: "tls-cert", Usage: "TLS certificate file; enables TLS 1.3 when set with -tls-key"},
			&cli.StringFlag{Name: "tls-key", Usage: "TLS private key file; enables TLS 1.3 when set with -tls-cert"},
		},
		Action: func(c *cli.Context) error {
			var opts []server.Option
			if certFile, keyFile := c.String("tls-cert"), c.String("tls-key"); certFile != "" && keyFile != "" {
				cfg, err := tlsutil.ServerConfig(certFile, keyFile)
				if err != nil {
					return err
				}
				opts = append(opts, server.WithTLS(cfg))
			}

			srv := server.New(server.Hooks{
				OnClientConnected: func(cc *server.ClientConnection) bool {
					log.Printf("client %d connecting from %s", cc.ID(), cc.RemoteAddr())
					return true
				},
				OnClientDisconnected: func(cc *server.ClientConnection) {
					log.Printf("client %d disconnected", cc.ID())
				},
				OnLog: func(s string) { log.Println(s) },
			}, opts...)

			if err := srv.Start(c.Int("port"), c.Int("max-clients")); err != nil {
				return err
			}
			log.Printf("listening on :%d", c.Int("port"))

			done := make(chan struct{})
			go pumpAndEcho(srv, done)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			log.Println("shutting down")
			close(done)
			srv.Stop()
			return nil
		},
	}
}

// pumpAndEcho is the demo's application thread: it drains new
// connections and echoes every inbound message back to its sender.
func pumpAndEcho(srv *server.Server, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := srv.AcceptConnections(); err != nil {
				log.Printf("accept_connections: %v", err)
				continue
			}
			for srv.AvailableMessages() {
				cc, msg, err := srv.NextMessage()
				if err != nil {
					log.Printf("next_message: %v", err)
					break
				}
				if msg == nil {
					break
				}
				if err := srv.SendMessage(cc, msg); err != nil {
					log.Printf("send_message: %v", err)
				}
			}
		}
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "connect to a demo server, send one ping, print the echo",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "127.0.0.1"},
			&cli.IntFlag{Name: "port", Value: 6001},
			&cli.BoolFlag{Name: "tls", Usage: "dial with TLS 1.3"},
			&cli.StringFlag{Name: "tls-server-name", Usage: "expected TLS server name; defaults to -host"},
			&cli.BoolFlag{Name: "tls-insecure-skip-verify", Usage: "skip certificate verification (local demos only)"},
		},
		Action: func(c *cli.Context) error {
			var opts []client.Option
			if c.Bool("tls") {
				serverName := c.String("tls-server-name")
				if serverName == "" {
					serverName = c.String("host")
				}
				opts = append(opts, client.WithTLS(tlsutil.ClientConfig(serverName, c.Bool("tls-insecure-skip-verify"))))
			}

			cl := client.New(opts...)
			if err := cl.Connect(c.String("host"), c.Int("port")); err != nil {
				return err
			}
			defer cl.Disconnect()

			msg := message.New(0)
			if err := msg.Append([]byte(time.Now().Format(time.RFC3339Nano))); err != nil {
				return err
			}
			cl.SendMessage(msg)

			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if cl.AvailableMessages() {
					got, err := cl.NextMessage()
					if err != nil {
						return err
					}
					fmt.Printf("echoed id=%d payload=%q\n", got.ID(), got.Payload())
					return nil
				}
				if _, err := cl.ConnectionEstablished(); err != nil {
					return err
				}
				time.Sleep(10 * time.Millisecond)
			}
			return fmt.Errorf("timed out waiting for echo")
		},
	}
}
