package admincli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/netschedule/common/client"
	nserrors "github.com/twitter/netschedule/common/errors"
)

const DefaultAddr = "localhost:9101"

// AdminCLIClient talks to the http admin endpoints of a netscheduled.
type AdminCLIClient struct {
	client.SimpleClient
}

func (c *AdminCLIClient) Exec() error {
	return c.RootCmd.Execute()
}

// NewAdminCLIClient builds the nsadmin command tree. A nil doer gets a
// retrying pester client.
func NewAdminCLIClient(doer client.Doer, out io.Writer) *AdminCLIClient {
	if doer == nil {
		doer = client.MakePesterClient(client.DefaultHTTPTries)
	}
	if out == nil {
		out = os.Stdout
	}
	c := &AdminCLIClient{}
	c.HTTP = doer

	c.RootCmd = &cobra.Command{
		Use:               "nsadmin",
		Short:             "nsadmin inspects the queues of a netscheduled",
		PersistentPreRunE: c.Init,
		SilenceUsage:      true,
		Run:               func(*cobra.Command, []string) {},
	}
	c.RootCmd.SetOutput(out)
	c.RootCmd.PersistentFlags().StringVar(&c.Addr, "addr", DefaultAddr, "host:port of the netscheduled http admin server")
	c.RootCmd.PersistentFlags().StringVar(&c.LogLevel, "log_level", "warn", "Log everything at this level and above (error|warn|info|debug)")

	c.addCmd(&healthCmd{})
	c.addCmd(&statsCmd{})
	c.addCmd(&queuesCmd{})
	for _, view := range []string{"clients", "notifications", "affinities", "groups"} {
		c.addCmd(&viewCmd{view: view})
	}
	c.addCmd(&jobCmd{})
	c.addCmd(&dumpCmd{})
	return c
}

// Can only be called from cobra command run or hook
func (c *AdminCLIClient) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nserrors.NewError(err, nserrors.GenericFailureExitCode)
	}
	log.SetLevel(level)
	if c.Addr == "" {
		return nserrors.NewError(fmt.Errorf("--addr is empty"), nserrors.GenericFailureExitCode)
	}
	return nil
}

func (c *AdminCLIClient) addCmd(cmd client.Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(&c.SimpleClient, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

// fetch GETs path from the admin server and returns the body of a 200.
func fetch(cl *client.SimpleClient, path string) ([]byte, error) {
	url := baseURL(cl.Addr) + path
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, nserrors.NewError(err, nserrors.AdminRequestFailureExitCode)
	}
	log.Debugf("GET %s", url)
	resp, err := cl.HTTP.Do(req)
	if err != nil {
		return nil, nserrors.Wrap(err, nserrors.AdminRequestFailureExitCode, "GET "+url)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, nserrors.Wrap(err, nserrors.AdminRequestFailureExitCode, "reading "+url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nserrors.NewError(
			fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body))),
			nserrors.AdminBadResponseExitCode)
	}
	return body, nil
}

// fetchJSON decodes the body of path into v.
func fetchJSON(cl *client.SimpleClient, path string, v interface{}) error {
	body, err := fetch(cl, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nserrors.Wrap(err, nserrors.AdminBadResponseExitCode, "decoding "+path)
	}
	return nil
}

// printJSON reindents a JSON body for the terminal.
func printJSON(out io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return nserrors.Wrap(err, nserrors.AdminBadResponseExitCode, "response is not JSON")
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}
