package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	nserrors "github.com/twitter/netschedule/common/errors"
	"github.com/twitter/netschedule/queue/admincli"
)

// A command-line client for the netscheduled admin endpoints
func main() {
	cli := admincli.NewAdminCLIClient(nil, os.Stdout)
	if err := cli.Exec(); err != nil {
		log.Debugf("nsadmin failed: %v", err)
		os.Exit(int(nserrors.ExitCodeOf(err)))
	}
}
