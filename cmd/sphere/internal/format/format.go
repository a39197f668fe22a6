// Package format renders CLI listings as tables or JSON.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/nfrund/sphere/internal/supervisor"
	"github.com/nfrund/sphere/internal/topicmgr"
)

// TopicDisplay represents a topic for display purposes
type TopicDisplay struct {
	Name        string `json:"name"`
	Scope       string `json:"scope"`
	Module      string `json:"module"`
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
	Example     string `json:"example"`
	Timeout     string `json:"timeout,omitempty"`
}

func display(t topicmgr.Topic) TopicDisplay {
	d := TopicDisplay{
		Name:        t.Name(),
		Scope:       string(t.Scope()),
		Module:      t.Module(),
		Description: t.Description(),
		Pattern:     t.Pattern(),
		Example:     t.Example(),
	}
	if tpl := t.Template(); tpl != nil && tpl.Timeout() > 0 {
		d.Timeout = tpl.Timeout().String()
	}
	return d
}

// TopicsTable writes topics as an aligned table.
func TopicsTable(w io.Writer, topics []topicmgr.Topic) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "NAME\tSCOPE\tMODULE\tPATTERN\tDESCRIPTION")
	fmt.Fprintln(tw, "----\t-----\t------\t-------\t-----------")
	if len(topics) == 0 {
		fmt.Fprintln(tw, "No topics found")
		return
	}
	for _, t := range topics {
		module := t.Module()
		if module == "" {
			module = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.Name(), t.Scope(), module, t.Pattern(), truncate(t.Description(), 40))
	}
}

// TopicsJSON writes topics as a JSON document with a count.
func TopicsJSON(w io.Writer, topics []topicmgr.Topic) error {
	out := struct {
		Topics []TopicDisplay `json:"topics"`
		Count  int            `json:"count"`
	}{Topics: make([]TopicDisplay, len(topics)), Count: len(topics)}
	for i, t := range topics {
		out.Topics[i] = display(t)
	}
	return encode(w, out)
}

// TopicDetails writes everything known about one topic.
func TopicDetails(w io.Writer, t topicmgr.Topic, format string) error {
	if format == "json" {
		return encode(w, display(t))
	}
	d := display(t)
	fmt.Fprintf(w, "Name:        %s\n", d.Name)
	fmt.Fprintf(w, "Scope:       %s\n", d.Scope)
	fmt.Fprintf(w, "Module:      %s\n", d.Module)
	fmt.Fprintf(w, "Description: %s\n", d.Description)
	fmt.Fprintf(w, "Pattern:     %s\n", d.Pattern)
	fmt.Fprintf(w, "Example:     %s\n", d.Example)
	if d.Timeout != "" {
		fmt.Fprintf(w, "Timeout:     %s\n", d.Timeout)
	}
	return nil
}

// ModuleDisplay is one installed module.
type ModuleDisplay struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Path      string   `json:"path"`
	MaxMemory float64  `json:"maxMemory,omitempty"`
	Shadowed  []string `json:"shadowed,omitempty"`
}

// Modules flattens discovered descriptors, sorted by name. Lower priority
// copies of a module are listed as shadowed.
func Modules(found map[string][]supervisor.Descriptor) []ModuleDisplay {
	out := make([]ModuleDisplay, 0, len(found))
	for name, list := range found {
		d := ModuleDisplay{
			Name:      name,
			Version:   list[0].Version,
			Path:      list[0].Path,
			MaxMemory: list[0].MaxMemory,
		}
		for _, other := range list[1:] {
			d.Shadowed = append(d.Shadowed, other.Path)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModulesTable writes modules as an aligned table.
func ModulesTable(w io.Writer, modules []ModuleDisplay) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "NAME\tVERSION\tPATH")
	fmt.Fprintln(tw, "----\t-------\t----")
	if len(modules) == 0 {
		fmt.Fprintln(tw, "No modules found")
		return
	}
	for _, m := range modules {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Version, m.Path)
	}
}

// JSON writes v indented.
func JSON(w io.Writer, v any) error {
	return encode(w, v)
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to maxLen characters, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
