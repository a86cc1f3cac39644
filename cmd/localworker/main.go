// Command localworker serves a worker script on a local address.
//
//	localworker -script worker.js -addr :8000 -env API_KEY=secret
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	localworker "github.com/cryguy/localworker"
)

// envFlag collects repeated -env NAME=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string {
	pairs := make([]string, 0, len(e))
	for k, v := range e {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (e envFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("want NAME=VALUE, got %q", s)
	}
	e[name] = value
	return nil
}

func main() {
	env := envFlag{}
	var (
		script   = flag.String("script", "", "worker script: a .js/.ts file or go:<name>")
		addr     = flag.String("addr", ":8000", "address to listen on")
		host     = flag.String("host", "", "host for relative request URLs")
		bundle   = flag.Bool("bundle", true, "bundle the script and its imports before loading")
		certFile = flag.String("cert", "", "TLS certificate file")
		keyFile  = flag.String("key", "", "TLS key file")
		files    = flag.Bool("files", false, "answer file:// fetches from the local filesystem")
		remote   = flag.Bool("remote", false, "serve a shim for Connect instead of running a script")
		journal  = flag.String("journal", "", "record every request in this sqlite file")
	)
	flag.Var(env, "env", "NAME=VALUE environment variable, repeatable")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := localworker.Options{
		Env:         env,
		Host:        *host,
		Bundle:      localworker.Bool(*bundle),
		JournalPath: *journal,
	}
	if *files {
		opts.FetchHandler = localworker.FileHandler(nil)
	}

	if *remote {
		if err := serveRemote(ctx, *addr, opts); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *script == "" {
		flag.Usage()
		os.Exit(2)
	}

	w, err := localworker.New(ctx, *script, opts)
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		for e := range w.Logs(context.Background()) {
			fmt.Fprintf(os.Stderr, "%s [%s] %s\n", e.Time.Format("15:04:05.000"), e.Level, e.Message)
		}
	}()

	err = w.Listen(ctx, localworker.ListenOptions{
		Addr:     *addr,
		CertFile: *certFile,
		KeyFile:  *keyFile,
		OnListen: func(a net.Addr) { log.Printf("serving %s on %s", *script, a) },
	})
	if cerr := w.Close(context.Background()); err == nil {
		err = cerr
	}
	if err == nil {
		err = w.Err()
	}
	if err != nil {
		log.Fatal(err)
	}
}

func serveRemote(ctx context.Context, addr string, opts localworker.Options) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     localworker.RemoteHandler(opts),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Printf("serving worker shims on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
