// Command sidecar is the fully detached helper process that owns one PTY
// and one child. It is spawned by Tower's SessionManager and is expected to
// outlive it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/towerterm/tower/src/substrate/procinfo"
	"github.com/towerterm/tower/src/substrate/sidecar"
)

// shutdownGrace is how long the sidecar waits after SIGTERM-ing its child
// before escalating to SIGKILL.
const shutdownGrace = 5 * time.Second

func main() {
	socketPath := flag.String("socket", "", "path of the Unix socket to listen on")
	cols := flag.Int("cols", 0, "initial terminal columns")
	rows := flag.Int("rows", 0, "initial terminal rows")
	ringLines := flag.Int("session-ring-lines", 200, "Tower-side ring buffer capacity, used to size the replay buffer")
	cmdFlag := flag.String("cmd", "", "child command to execute")
	cwdFlag := flag.String("cwd", "", "working directory for the child")
	envFlag := flag.String("env", "{}", "JSON object of extra environment variables")
	argsFlag := flag.String("args", "[]", "JSON array of child command arguments")
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "sidecar: -socket is required")
		os.Exit(2)
	}

	var env map[string]string
	if err := json.Unmarshal([]byte(*envFlag), &env); err != nil {
		fmt.Fprintf(os.Stderr, "sidecar: invalid -env: %v\n", err)
		os.Exit(2)
	}
	var args []string
	if err := json.Unmarshal([]byte(*argsFlag), &args); err != nil {
		fmt.Fprintf(os.Stderr, "sidecar: invalid -args: %v\n", err)
		os.Exit(2)
	}

	// Defense in depth: a no-op SIGPIPE handler so a
	// write to an already-closed standard stream (should the parent's log
	// capture disappear) cannot take the sidecar down.
	signal.Ignore(syscall.SIGPIPE)

	srv, err := sidecar.New(sidecar.Config{
		SocketPath:       *socketPath,
		SessionRingLines: *ringLines,
		Cols:             *cols,
		Rows:             *rows,
		InitialSpawn: sidecar.SpawnParams{
			Cmd:  *cmdFlag,
			Args: args,
			Cwd:  *cwdFlag,
			Env:  env,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sidecar: setup failed: %v\n", err)
		os.Exit(1)
	}

	startTime, err := procinfo.StartTime(os.Getpid())
	if err != nil {
		startTime = ""
	}
	// The one line the parent is permitted to depend on: pid and start
	// time, flushed immediately so a bounded-timeout parent read succeeds
	// even if later startup work is slow.
	fmt.Printf("%d %s\n", os.Getpid(), startTime)
	os.Stdout.Sync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logrus.WithField("socket_path", *socketPath).Info("sidecar received shutdown signal")
		srv.Shutdown(shutdownGrace)
		os.Exit(0)
	}()

	if err := srv.Run(); err != nil {
		logrus.WithError(err).Error("sidecar server exited with error")
		os.Exit(1)
	}
}
