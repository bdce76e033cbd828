package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat is an output format of RenderImage.
type ImageFormat string

const (
	ImagePNG ImageFormat = "png"
	ImageSVG ImageFormat = "svg"
)

// RenderImage lays a DiagramModel out with graphviz dot and returns the
// encoded image. Nested step lists become dashed clusters.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case ImagePNG:
		gvFormat = graphviz.PNG
	case ImageSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	r := &gvRenderer{root: graph, nodes: make(map[string]*cgraph.Node)}
	for _, node := range model.Nodes {
		if err := r.addNode(graph, node); err != nil {
			return nil, err
		}
	}
	r.addEdges(model.Edges)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

type gvRenderer struct {
	root  *cgraph.Graph
	nodes map[string]*cgraph.Node
}

func (r *gvRenderer) addNode(parent *cgraph.Graph, node *Node) error {
	gvNode, err := parent.CreateNodeByName(node.ID)
	if err != nil {
		return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
	}
	gvNode.SetLabel(firstLine(node.Label))
	applyNodeStyle(gvNode, node)
	r.nodes[node.ID] = gvNode

	for _, sg := range node.Children {
		// graphviz only draws subgraphs whose name starts with "cluster".
		sub, err := parent.CreateSubGraphByName("cluster_" + node.ID + "_" + sg.Label)
		if err != nil {
			return fmt.Errorf("diagram: create cluster %s/%s: %w", node.ID, sg.Label, err)
		}
		sub.SetLabel(sg.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)
		for _, child := range sg.Nodes {
			if err := r.addNode(sub, child); err != nil {
				return err
			}
		}
		r.addEdges(sg.Edges)
	}
	return nil
}

func (r *gvRenderer) addEdges(edges []Edge) {
	for _, edge := range edges {
		from, to := r.nodes[edge.From], r.nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := r.root.CreateEdgeByName("", from, to)
		if err == nil && edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindBrowser, NodeKindSequence, NodeKindParallel, NodeKindLoop:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindCondition:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindScript:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
