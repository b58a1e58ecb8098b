package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/astromechza/roomsync/pkg/replica"
	"github.com/astromechza/roomsync/pkg/viz"
)

type inspectOptions struct {
	server string
	doc    string
	svg    string
	dot    bool
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Print a document's text and change history, from a saved file or a running server",
		Example: `  syncctl inspect doc-42.automerge
  syncctl inspect --server http://localhost:8080 --doc doc-42 --svg history.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			switch {
			case len(args) == 1:
				raw, err = os.ReadFile(args[0])
			case opts.doc != "":
				raw, err = fetchLatest(opts.server, opts.doc)
			default:
				return fmt.Errorf("expected a file argument or --doc")
			}
			if err != nil {
				return err
			}
			return runInspect(cmd.OutOrStdout(), raw, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", "http://localhost:8080", "the sync server base url")
	flags.StringVar(&opts.doc, "doc", "", "document id to fetch from the server")
	flags.StringVar(&opts.svg, "svg", "", "render the change history to this svg file")
	flags.BoolVar(&opts.dot, "dot", false, "print the change history as a graphviz digraph")
	return cmd
}

func fetchLatest(server, docID string) ([]byte, error) {
	resp, err := http.Get(server + "/documents/" + url.PathEscape(docID) + "/latest")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", docID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: %s", docID, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", docID, err)
	}
	return raw, nil
}

func runInspect(out io.Writer, raw []byte, opts *inspectOptions) error {
	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	text, err := replica.Text(doc)
	if err != nil {
		return fmt.Errorf("failed to read text: %w", err)
	}
	slog.Info("loaded doc", "bytes", len(raw), "heads", doc.Heads())

	steps, err := viz.History(doc)
	if err != nil {
		return err
	}
	for i, s := range steps {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", s.Hash, "actor", s.Actor, "seq", s.Seq, "dep", s.Deps)
	}

	if opts.dot {
		if err := viz.WriteDot(out, steps); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, text)
	}

	if opts.svg != "" {
		if err := viz.RenderFile(doc, opts.svg); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+opts.svg)
	}
	return nil
}
