// aioserver boots the epoll-driven event server over one or more TCP
// listeners, serving static files over plain HTTP/HTTPS and echoing
// WebSocket data frames, the way the teacher's client/server pair boots a
// KCP-backed relay from a urfave/cli flag set.
package main

import (
	"log"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/kipnet/aionet/internal/evserver"
	"github.com/kipnet/aionet/internal/ioloop"
	"github.com/kipnet/aionet/internal/session"
	"github.com/kipnet/aionet/internal/svcframe"
	"github.com/kipnet/aionet/internal/tlssess"
)

var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "aioserver"
	app.Usage = "epoll TCP/TLS/HTTP/WebSocket server"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "port, p", Value: 8080, Usage: "TCP listen port"},
		cli.StringFlag{Name: "bind", Value: "0.0.0.0", Usage: "bind address"},
		cli.StringFlag{Name: "docroot", Value: ".", Usage: "HTTP document root"},
		cli.BoolFlag{Name: "tls", Usage: "require TLS on this listener (no plaintext sniff)"},
		cli.StringFlag{Name: "cert", Value: "", Usage: "PEM certificate path, required with -tls"},
		cli.StringFlag{Name: "certkey", Value: "", Usage: "PEM private key path, required with -tls"},
		cli.IntFlag{Name: "waitms", Value: 1000, Usage: "multiplexer Wait() timeout per tick, ms"},
	}
	app.Action = run

	frame := &svcframe.Frame{Name: "aioserver", Version: VERSION, PIDFile: "/var/run/aioserver.pid"}
	if len(os.Args) > 1 {
		switch strings.TrimPrefix(os.Args[1], "-") {
		case "start", "stop", "status", "install", "uninstall", "run":
			frame.New = func() svcframe.Application { return &serverApp{args: os.Args[2:]} }
			os.Exit(frame.Run(os.Args[1:]))
		}
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

type serverApp struct {
	args []string
}

func (a *serverApp) Start() error {
	go func() {
		cliApp := cli.NewApp()
		cliApp.Action = func(c *cli.Context) error { return run(c) }
		cliApp.Run(append([]string{"aioserver"}, a.args...))
	}()
	return nil
}

// Stop is a no-op: the foreground Runtime loop has no graceful-shutdown
// signal yet, so svcframe's -stop relies on the process-level SIGTERM it
// already sends before this returns.
func (a *serverApp) Stop() error { return nil }

func run(c *cli.Context) error {
	mux, err := ioloop.Open()
	if err != nil {
		return err
	}
	defer mux.Close()

	policy := evserver.ListenPolicy{
		DocRoot: c.String("docroot"),
		Sniff:   !c.Bool("tls"),
	}
	if c.Bool("tls") {
		certPEM, err := os.ReadFile(c.String("cert"))
		if err != nil {
			return err
		}
		keyPEM, err := os.ReadFile(c.String("certkey"))
		if err != nil {
			return err
		}
		tlsCfg, err := tlssess.LoadCredentials(certPEM, keyPEM)
		if err != nil {
			return err
		}
		policy.TLS = true
		policy.TLSConfig = tlsCfg
	}

	app := &echoApp{}
	srv := evserver.New(mux, app)
	app.srv = srv
	if _, err := srv.Listen(c.Int("port"), c.String("bind"), false, policy); err != nil {
		return err
	}
	log.Printf("aioserver listening on %s:%d docroot=%s tls=%v", c.String("bind"), c.Int("port"), c.String("docroot"), c.Bool("tls"))

	waitms := c.Int("waitms")
	for {
		if err := srv.Runtime(waitms); err != nil {
			return err
		}
	}
}

// echoApp answers every non-HTTP application message by echoing it back on
// the same session: raw bytes for plain TCP, the same WS opcode for
// WebSocket, nothing for HTTP (httpsess already wrote the response).
type echoApp struct {
	srv *evserver.Server
}

func (echoApp) ReadCapacity(key ioloop.Key) int { return 64 << 10 }

func (a *echoApp) OnMessage(key ioloop.Key, proto session.Protocol, payload []byte, wsOp int) {
	if len(payload) == 0 {
		return // HTTP's request event carries no payload; httpsess already wrote the response
	}
	if err := a.srv.Send(key, payload, wsOp); err != nil {
		log.Println("aioserver: echo:", err)
	}
}

func (echoApp) OnDisconnected(key ioloop.Key, reason evserver.DisconnectReason) {}

func (echoApp) OnConnectFailed(key ioloop.Key, err error) {
	log.Println("aioserver: connect failed:", err)
}

func (echoApp) OnEmfile() {
	log.Println("aioserver: accept() hit EMFILE, backing off")
}

func (echoApp) TimerTick() {}
