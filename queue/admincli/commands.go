package admincli

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/twitter/netschedule/common/client"
	nserrors "github.com/twitter/netschedule/common/errors"
	"github.com/twitter/netschedule/queue/api"
)

type healthCmd struct{}

func (c *healthCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server answers",
		Args:  cobra.NoArgs,
	}
}

func (c *healthCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	body, err := fetch(cl, "/health")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	return nil
}

type statsCmd struct {
	prefix string
}

func (c *statsCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "stats",
		Short: "Print the server metrics",
		Args:  cobra.NoArgs,
	}
	r.Flags().StringVar(&c.prefix, "prefix", "", "Only print metrics whose name starts with this")
	return r
}

func (c *statsCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	var metrics map[string]interface{}
	if err := fetchJSON(cl, "/admin/metrics.json", &metrics); err != nil {
		return err
	}
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		if strings.HasPrefix(name, c.prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%v\n", name, metrics[name])
	}
	return w.Flush()
}

type queuesCmd struct {
	printAsJSON bool
}

func (c *queuesCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "queues",
		Short: "List the queues with their job counts",
		Args:  cobra.NoArgs,
	}
	r.Flags().BoolVar(&c.printAsJSON, "json", false, "Print the raw JSON")
	return r
}

func (c *queuesCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	if c.printAsJSON {
		body, err := fetch(cl, "/queues")
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), body)
	}

	var queues []api.QueueSummary
	if err := fetchJSON(cl, "/queues", &queues); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tACTIVE\tREFUSE_SUBMITS\tJOBS")
	for _, q := range queues {
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", q.Name, q.Active, q.RefuseSubmits, formatCounts(q.Jobs))
	}
	return w.Flush()
}

// formatCounts prints the non-zero status counts in name order.
func formatCounts(counts map[string]uint64) string {
	var parts []string
	for status, n := range counts {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

// viewCmd prints one of the JSON registry views of a queue.
type viewCmd struct {
	view string
}

func (c *viewCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   c.view + " <queue>",
		Short: "Print the " + c.view + " of a queue",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *viewCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	body, err := fetch(cl, "/queue/"+url.PathEscape(args[0])+"/"+c.view)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), body)
}

type jobCmd struct {
	id  uint32
	key string
}

func (c *jobCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "job <queue>",
		Short: "Print a job with its event history",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().Uint32Var(&c.id, "id", 0, "Job id")
	r.Flags().StringVar(&c.key, "key", "", "Job key, used instead of --id")
	return r
}

func (c *jobCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	q := url.Values{}
	switch {
	case c.key != "":
		q.Set("key", c.key)
	case c.id != 0:
		q.Set("id", fmt.Sprint(c.id))
	default:
		return nserrors.NewError(fmt.Errorf("one of --id or --key is required"), nserrors.GenericFailureExitCode)
	}

	var job api.JobView
	if err := fetchJSON(cl, "/queue/"+url.PathEscape(args[0])+"/job?"+q.Encode(), &job); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "key\t%s\n", job.Key)
	fmt.Fprintf(w, "status\t%s\n", job.Status)
	fmt.Fprintf(w, "run_count\t%d\n", job.RunCount)
	fmt.Fprintf(w, "read_count\t%d\n", job.ReadCount)
	if job.Affinity != "" {
		fmt.Fprintf(w, "affinity\t%s\n", job.Affinity)
	}
	fmt.Fprintf(w, "expiration\t%s\n", job.Lifetime)
	fmt.Fprintf(w, "input\t%q\n", job.Input)
	fmt.Fprintf(w, "output\t%q\n", job.Output)
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tSTATUS\tTIME\tNODE\tRET\tERROR")
	for _, ev := range job.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			ev.Event, ev.Status, ev.Timestamp.Format("2006-01-02 15:04:05"), ev.ClientNode, ev.RetCode, ev.ErrorMsg)
	}
	return w.Flush()
}

type dumpCmd struct{}

func (c *dumpCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <queue>",
		Short: "Print the debug dump of a queue",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *dumpCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	body, err := fetch(cl, "/queue/"+url.PathEscape(args[0])+"/dump")
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}
