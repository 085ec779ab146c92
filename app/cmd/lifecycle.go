package cmd

import (
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/types"
)

// lifecycle acts on Disconnect, ExitProgram and ShutdownConsole once the client has
// its Ok answer.
type lifecycle struct {
	shutdownArgs []string

	exit func(code int)
	run  func(args []string) error
}

func newLifecycle(shutdownArgs []string) *lifecycle {
	return &lifecycle{
		shutdownArgs: shutdownArgs,
		exit:         os.Exit,
		run:          runCommand,
	}
}

func runCommand(args []string) error {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (l *lifecycle) Handle(cmd types.Command) {
	switch cmd {
	case types.CommandDisconnect:
		logrus.Info("Client disconnected")

	case types.CommandExitProgram:
		logrus.Warn("Client asked the server to exit")
		runShutdownHooks()
		l.exit(0)

	case types.CommandShutdownConsole:
		logrus.Warn("Client asked to shut down the machine")
		runShutdownHooks()
		if len(l.shutdownArgs) == 0 {
			logrus.Warn("No shutdown command configured, exiting instead")
			l.exit(0)
			return
		}
		logrus.Infof("Running shutdown command %v", l.shutdownArgs)
		if err := l.run(l.shutdownArgs); err != nil {
			logrus.WithError(err).Errorf("Failed to run shutdown command %v", l.shutdownArgs)
			l.exit(1)
			return
		}
		l.exit(0)
	}
}
