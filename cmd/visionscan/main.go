package main

import (
	"context"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"go.uber.org/automaxprocs/maxprocs"
)

const version = "0.1.0"

func main() {
	_, _ = maxprocs.Set()

	root := newRootCmd()

	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		os.Exit(1)
	}
}
