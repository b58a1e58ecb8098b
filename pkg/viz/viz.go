// Package viz renders the change history of a document for operators: every change with its author, its
// dependencies and the document text as of that change.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/roomsync/pkg/replica"
)

// Step is one change in a document's history.
type Step struct {
	Hash  string
	Actor string
	Seq   uint64
	Deps  []string
	// Text is the document text once this change is applied.
	Text string
}

func (s Step) Label() string {
	return fmt.Sprintf("%s %s@%d %s", s.Hash[:8], s.Actor, s.Seq, strconv.Quote(s.Text))
}

// History returns every change of doc in causal order.
func History(doc *automerge.Doc) ([]Step, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	steps := make([]Step, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		// the text object does not exist before the seed change
		text, _ := replica.Text(docAt)
		step := Step{
			Hash:  change.Hash().String(),
			Actor: change.ActorID(),
			Seq:   change.ActorSeq(),
			Text:  text,
		}
		for _, dep := range change.Dependencies() {
			step.Deps = append(step.Deps, dep.String())
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// WriteDot writes the history as a graphviz digraph.
func WriteDot(w io.Writer, steps []Step) error {
	var buff bytes.Buffer
	buff.WriteString("digraph \"history\" {\n")
	for _, s := range steps {
		fmt.Fprintf(&buff, "    %q [label=%q]\n", s.Hash, s.Label())
		for _, dep := range s.Deps {
			fmt.Fprintf(&buff, "    %q -> %q\n", dep, s.Hash)
		}
	}
	buff.WriteString("}\n")
	_, err := w.Write(buff.Bytes())
	return err
}

// RenderSVG lays the history out with graphviz and writes it as SVG.
func RenderSVG(steps []Step, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodes := make(map[string]*cgraph.Node, len(steps))
	edges := 0
	for _, s := range steps {
		n, err := graph.CreateNode(s.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(s.Label())
		nodes[s.Hash] = n

		for _, dep := range s.Deps {
			from, ok := nodes[dep]
			if !ok {
				return fmt.Errorf("change %s depends on unknown change %s", s.Hash, dep)
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderFile renders the history of doc to an SVG file.
func RenderFile(doc *automerge.Doc, outputPath string) error {
	steps, err := History(doc)
	if err != nil {
		return err
	}
	var buff bytes.Buffer
	if err := RenderSVG(steps, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
