package client

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/chronologos/rrepl/internal/protocol"
)

// ErrAmbiguous is returned by ByName when several servers match.
var ErrAmbiguous = errors.New("more than one server matches")

// Choice is what to do with a broker's server list.
type Choice struct {
	URL string
	// Proxy tunnels through the broker connection instead of dialing URL.
	Proxy bool
	// Refresh asks the broker for a newer list.
	Refresh bool
}

// Chooser picks a server from a broker's list. It runs on the loop and
// must not block.
type Chooser interface {
	Choose(servers map[string]protocol.ServerDescription) (Choice, error)
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(servers map[string]protocol.ServerDescription) (Choice, error)

func (f ChooserFunc) Choose(servers map[string]protocol.ServerDescription) (Choice, error) {
	return f(servers)
}

// ByName chooses the server whose name or id is name. An empty name
// chooses the only registered server. While nothing matches it asks for a
// refresh.
func ByName(name string, proxy bool) Chooser {
	return ChooserFunc(func(servers map[string]protocol.ServerDescription) (Choice, error) {
		var matches []protocol.ServerDescription
		for _, id := range slices.Sorted(maps.Keys(servers)) {
			d := servers[id]
			if len(d.URLs) == 0 {
				continue
			}
			if name == "" || d.Name == name || d.ID == name {
				matches = append(matches, d)
			}
		}
		switch len(matches) {
		case 0:
			return Choice{Refresh: true}, nil
		case 1:
			return Choice{URL: matches[0].URLs[0], Proxy: proxy}, nil
		}
		ids := make([]string, len(matches))
		for i, d := range matches {
			ids[i] = d.ID
		}
		return Choice{}, fmt.Errorf("%w %q: %s", ErrAmbiguous, name, strings.Join(ids, ", "))
	})
}

// WriteServerList prints servers as a table sorted by name, then id.
func WriteServerList(w io.Writer, servers map[string]protocol.ServerDescription) error {
	list := slices.Collect(maps.Values(servers))
	slices.SortFunc(list, func(a, b protocol.ServerDescription) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tURL\tDETAILS")
	for _, d := range list {
		var details []string
		for _, k := range slices.Sorted(maps.Keys(d.Details)) {
			details = append(details, k+"="+d.Details[k])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.ID, strings.Join(d.URLs, ","), strings.Join(details, " "))
	}
	return tw.Flush()
}
