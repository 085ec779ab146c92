package cmd

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/util"
)

var (
	hooks     = []func(){}
	hooksLock sync.Mutex
	hooksRan  bool
)

func addShutdown(f func()) {
	hooksLock.Lock()
	defer hooksLock.Unlock()

	if len(hooks) == 0 {
		registerShutdown()
	}

	hooks = append(hooks, f)
	logrus.Debugf("Added shutdown func %v", util.GetFunctionName(f))
}

func registerShutdown() {
	c := make(chan os.Signal, 1024)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for s := range c {
			logrus.Warnf("Received signal %v to shutdown", s)
			runShutdownHooks()
			os.Exit(1)
		}
	}()
}

// runShutdownHooks runs every registered hook once, no matter how many times it is
// called.
func runShutdownHooks() {
	hooksLock.Lock()
	defer hooksLock.Unlock()

	if hooksRan {
		return
	}
	hooksRan = true
	for _, hook := range hooks {
		logrus.Warnf("Starting to execute registered shutdown func %v", util.GetFunctionName(hook))
		hook()
	}
}
