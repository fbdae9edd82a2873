// ucpd relays TCP connections over the UCP reliable-datagram engine, the
// way kcptun's client/server pair relays TCP over KCP: -server listens on a
// set of UDP addresses and forwards each accepted stream to a local TCP
// target; the client mode listens on TCP and forwards each accepted
// connection over a UCP session to one or more server addresses.
package main

import (
	"crypto/sha1"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kipnet/aionet/internal/snmp"
	"github.com/kipnet/aionet/internal/svcframe"
	"github.com/kipnet/aionet/internal/ucp"
	"github.com/kipnet/aionet/internal/ucpcrypt"
)

// saltUCP mirrors the teacher's fixed pbkdf2 salt, scoped to this protocol
// so a ucpd key never derives the same stream cipher state as a kcptun key.
const saltUCP = "ucp-go"

// VERSION is injected by buildflags, same convention as client/server did.
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "ucpd"
	app.Usage = "TCP-over-UCP relay (client or server mode)"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr, l", Value: ":12948", Usage: "local TCP listen address (client mode)"},
		cli.StringFlag{Name: "remoteaddr, r", Value: "", Usage: "comma-separated UCP server UDP addresses (client mode)"},
		cli.StringFlag{Name: "listen", Value: "", Usage: "comma-separated UDP listen addresses (server mode)"},
		cli.StringFlag{Name: "target", Value: "127.0.0.1:80", Usage: "local TCP target to forward accepted streams to (server mode)"},
		cli.BoolFlag{Name: "server", Usage: "run in server mode"},
		cli.StringFlag{Name: "key", Value: "it's a secret", Usage: "pre-shared secret", EnvVar: "UCPD_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes-256", Usage: strings.Join(ucpcrypt.Names(), ", ")},
		cli.IntFlag{Name: "mtu", Value: 1472, Usage: "max UCP packet size"},
		cli.IntFlag{Name: "datashard, ds", Value: 0, Usage: "reed-solomon data shard count, 0 disables FEC"},
		cli.IntFlag{Name: "parityshard, ps", Value: 0, Usage: "reed-solomon parity shard count"},
		cli.IntFlag{Name: "dscp", Value: 0, Usage: "DSCP (6 bit) on every UCP channel"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable snappy stream compression"},
		cli.BoolFlag{Name: "QPP", Usage: "check QPP parameters and print warnings; no QPP layer is applied to streams"},
		cli.IntFlag{Name: "QPPCount", Value: 61, Usage: "QPP pad count, prime for best security"},
		cli.IntFlag{Name: "smuxver", Value: 2, Usage: "smux protocol version"},
		cli.StringFlag{Name: "snmplog", Value: "", Usage: "collect snmp counters to file, supports time.Format in the path"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "snmp collect period, seconds"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file, default stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-stream open/close logging"},
	}
	app.Action = run

	frame := &svcframe.Frame{Name: "ucpd", Version: VERSION, PIDFile: "/var/run/ucpd.pid"}
	if len(os.Args) > 1 {
		switch strings.TrimPrefix(os.Args[1], "-") {
		case "start", "stop", "status", "install", "uninstall", "run":
			frame.New = func() svcframe.Application { return &relayApp{args: os.Args[2:]} }
			os.Exit(frame.Run(os.Args[1:]))
		}
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

// relayApp lets ucpd run under svcframe's pidfile/daemon supervision; its
// Start/Stop simply delegate to the same cli.App used for foreground runs.
type relayApp struct {
	args []string
	done chan struct{}
}

func (a *relayApp) Start() error {
	a.done = make(chan struct{})
	go func() {
		app := cli.NewApp()
		app.Action = run
		app.Run(append([]string{"ucpd"}, a.args...))
		close(a.done)
	}()
	return nil
}

func (a *relayApp) Stop() error { return nil }

func run(c *cli.Context) error {
	if c.String("log") != "" {
		f, err := os.OpenFile(c.String("log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "ucpd: open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	pass := pbkdf2.Key([]byte(c.String("key")), []byte(saltUCP), 4096, 32, sha1.New)
	crypt, err := ucpcrypt.Select(c.String("crypt"), pass)
	if err != nil {
		return errors.Wrap(err, "ucpd: selecting cipher")
	}

	if c.Bool("QPP") {
		warnings, err := ucpcrypt.ValidateQPPParams(c.Int("QPPCount"), c.String("key"))
		if err != nil {
			warnings = append(warnings, err.Error())
		}
		for _, w := range warnings {
			color.Red("QPP Warning: %s", w)
		}
	}

	cfg := ucp.DefaultConfig()
	cfg.MTU = c.Int("mtu")
	cfg.DataShard = c.Int("datashard")
	cfg.ParityShard = c.Int("parityshard")
	cfg.DSCP = c.Int("dscp")
	cfg.Compress = !c.Bool("nocomp")
	cfg.Crypt = crypt

	go snmp.Logger(c.String("snmplog"), c.Int("snmpperiod"))

	muxCfg := ucp.MuxConfig{
		Version:          c.Int("smuxver"),
		MaxReceiveBuffer: 4194304,
		MaxStreamBuffer:  2097152,
		MaxFrameSize:     8192,
		KeepAliveSeconds: 10,
	}

	if c.Bool("server") {
		return runServer(c, cfg, muxCfg)
	}
	return runClient(c, cfg, muxCfg)
}

func streamSide(s io.ReadWriteCloser, compress bool) io.ReadWriteCloser {
	if !compress {
		return s
	}
	if sess, ok := s.(*ucp.Session); ok {
		return sess.Stream()
	}
	return s
}

func runServer(c *cli.Context, cfg ucp.Config, muxCfg ucp.MuxConfig) error {
	laddrs := splitAddrs(c.String("listen"))
	if len(laddrs) == 0 {
		return errors.New("ucpd: -listen is required in server mode")
	}
	ln, err := ucp.Listen(laddrs, cfg)
	if err != nil {
		return errors.Wrap(err, "ucpd: listen")
	}
	log.Println("ucpd server listening on:", laddrs, "-> target", c.String("target"))

	for {
		sess, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "ucpd: accept")
		}
		go serveSession(sess, cfg, muxCfg, c.String("target"), c.Bool("quiet"))
	}
}

func serveSession(sess *ucp.Session, cfg ucp.Config, muxCfg ucp.MuxConfig, target string, quiet bool) {
	bridge, err := ucp.NewServerMux(streamSide(sess, cfg.Compress), muxCfg)
	if err != nil {
		log.Println("ucpd: smux server:", err)
		sess.Close()
		return
	}
	defer bridge.Close()

	for {
		stream, err := bridge.AcceptStream()
		if err != nil {
			return
		}
		go func() {
			conn, err := net.Dial("tcp", target)
			if err != nil {
				logUnlessQuiet(quiet, "ucpd: dial target:", err)
				stream.Close()
				return
			}
			relay(stream, conn, quiet)
		}()
	}
}

func runClient(c *cli.Context, cfg ucp.Config, muxCfg ucp.MuxConfig) error {
	raddrs := splitAddrs(c.String("remoteaddr"))
	if len(raddrs) == 0 {
		return errors.New("ucpd: -remoteaddr is required in client mode")
	}
	ln, err := net.Listen("tcp", c.String("localaddr"))
	if err != nil {
		return errors.Wrap(err, "ucpd: local listen")
	}
	log.Println("ucpd client listening on:", ln.Addr(), "-> remote", raddrs)

	var bridge *ucp.MuxBridge
	dialOnce := func() (*ucp.MuxBridge, error) {
		if bridge != nil && !bridge.IsClosed() {
			return bridge, nil
		}
		sess, err := ucp.Dial(raddrs, cfg)
		if err != nil {
			return nil, err
		}
		b, err := ucp.NewClientMux(streamSide(sess, cfg.Compress), muxCfg)
		if err != nil {
			sess.Close()
			return nil, err
		}
		bridge = b
		return b, nil
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "ucpd: accept")
		}
		b, err := dialOnce()
		if err != nil {
			log.Println("ucpd: dial remote:", err)
			conn.Close()
			continue
		}
		go func() {
			stream, err := b.OpenStream()
			if err != nil {
				logUnlessQuiet(c.Bool("quiet"), "ucpd: open stream:", err)
				conn.Close()
				return
			}
			relay(stream, conn, c.Bool("quiet"))
		}()
	}
}

func relay(a, b io.ReadWriteCloser, quiet bool) {
	defer a.Close()
	defer b.Close()
	logUnlessQuiet(quiet, "stream opened")
	defer logUnlessQuiet(quiet, "stream closed")

	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}

func logUnlessQuiet(quiet bool, v ...interface{}) {
	if !quiet {
		log.Println(v...)
	}
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
