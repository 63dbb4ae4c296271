package client

import (
	"net/http"
	"time"

	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const DefaultHTTPTries = 4

// Client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// Doer is the part of an http client the commands use.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SimpleClient includes base fields required for implementing client
type SimpleClient struct {
	RootCmd  *cobra.Command
	Addr     string
	LogLevel string
	HTTP     Doer
}

// Command interface used to run client commands
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *SimpleClient, cmd *cobra.Command, args []string) error
}

// MakePesterClient retries failed requests with exponential backoff.
func MakePesterClient(tries int) *pester.Client {
	c := pester.New()
	c.Backoff = pester.ExponentialBackoff
	c.MaxRetries = tries
	c.Timeout = 30 * time.Second
	c.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return c
}
