// Package viz renders the change history of a replica document as a graph.
package viz

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/inheritsync/pkg/replica"
)

const maxLabelText = 40

// Entry is one change of a document, with the text as of that change.
type Entry struct {
	Hash    string
	Actor   string
	Seq     uint64
	Message string
	Text    string
	Deps    []string
}

func (e Entry) Label() string {
	text := e.Text
	if len(text) > maxLabelText {
		text = text[:maxLabelText] + "..."
	}
	return fmt.Sprintf("%s %s@%d %s %s", e.Hash[:8], e.Actor, e.Seq, e.Message, strconv.Quote(text))
}

// History lists the changes of doc in causal order.
func History(doc *automerge.Doc) ([]Entry, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Entry, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		text, _ := docAt.Path(replica.TextKey).Text().Get()
		e := Entry{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Text:    text,
		}
		for _, hash := range change.Dependencies() {
			e.Deps = append(e.Deps, hash.String())
		}
		out = append(out, e)
	}
	return out, nil
}

// Dot writes the history as a graphviz digraph.
func Dot(entries []Entry) string {
	var sb strings.Builder
	sb.WriteString("digraph \"log\" {\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "    %q [label=%q]\n", e.Hash, e.Label())
		for _, dep := range e.Deps {
			fmt.Fprintf(&sb, "    %q -> %q\n", dep, e.Hash)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func RenderDocToSvg(doc *automerge.Doc, outputPath string) error {
	entries, err := History(doc)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(entries))
	var edgeCounter int
	for _, e := range entries {
		n, err := graph.CreateNode(e.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(e.Label())
		nodeMap[e.Hash] = n

		for _, dep := range e.Deps {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), nodeMap[dep], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// Dump writes the saved document of a field and its rendered history into dir, returning both paths.
// name is escaped so that the files always land directly inside dir.
func Dump(dir, name string, doc *automerge.Doc) (string, string, error) {
	name = url.PathEscape(name)
	docPath := filepath.Join(dir, name+".automerge")
	if err := os.WriteFile(docPath, doc.Save(), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to dump %s: %w", name, err)
	}
	svgPath := filepath.Join(dir, name+".svg")
	if err := RenderDocToSvg(doc, svgPath); err != nil {
		return docPath, "", err
	}
	return docPath, svgPath, nil
}
