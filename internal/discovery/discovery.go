// Package discovery resolves which nodes participate in an analysis by
// querying the Hub, and classifies their roles.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// NodeType is a participant's role within one analysis.
type NodeType string

const (
	NodeTypeDefault    NodeType = "default"
	NodeTypeAggregator NodeType = "aggregator"
	NodeTypeUnknown    NodeType = "unknown"
)

// ParticipatingNode is a node discovered as a participant within an analysis.
// NodeID is the Hub-assigned robot identifier, which doubles as the routable
// node id.
type ParticipatingNode struct {
	NodeID   string   `json:"nodeId"`
	NodeType NodeType `json:"nodeType"`
}

// ErrSelfNotFound indicates a well-formed Hub response in which this node's
// own identity is absent. Callers treat it as a 404-equivalent, not a
// transport failure.
var ErrSelfNotFound = errors.New("own node not found among analysis participants")

// FetchError indicates a transport or HTTP failure talking to the Hub.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetching analysis nodes from hub: %v", e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// UnexpectedResultError indicates the Hub responded, but with data that fails
// shape validation.
type UnexpectedResultError struct {
	Err error
}

func (e *UnexpectedResultError) Error() string {
	return fmt.Sprintf("hub returned unexpected data: %v", e.Err)
}
func (e *UnexpectedResultError) Unwrap() error { return e.Err }

// HubClient is the slice of the Hub API the resolver needs.
type HubClient interface {
	GetAnalysisNodes(ctx context.Context, analysisID string) (json.RawMessage, error)
}

// Resolver turns Hub participant records into routable identities.
type Resolver struct {
	hub       HubClient
	ownNodeID string
}

// NewResolver builds a Resolver. ownNodeID is this node's robot id; it is the
// only way a node learns its own role within an analysis.
func NewResolver(hub HubClient, ownNodeID string) *Resolver {
	return &Resolver{hub: hub, ownNodeID: ownNodeID}
}

// wire shape of the Hub's analysis-nodes collection
type hubAnalysisNodes struct {
	Data []struct {
		Node *struct {
			RobotID *string `json:"robot_id"`
			Type    string  `json:"type"`
		} `json:"node"`
	} `json:"data"`
}

// ListParticipants queries the Hub for all participant records of the
// analysis. Records lacking a robot identifier are discarded entirely: such
// nodes cannot receive or be addressed. Order is preserved from the Hub
// response. Every call is a fresh round-trip.
func (r *Resolver) ListParticipants(ctx context.Context, analysisID string) ([]ParticipatingNode, error) {
	raw, err := r.hub.GetAnalysisNodes(ctx, analysisID)
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	var parsed hubAnalysisNodes
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &UnexpectedResultError{Err: err}
	}

	participants := make([]ParticipatingNode, 0, len(parsed.Data))
	for _, rec := range parsed.Data {
		if rec.Node == nil {
			return nil, &UnexpectedResultError{Err: errors.New("participant record without node relation")}
		}
		if rec.Node.RobotID == nil || *rec.Node.RobotID == "" {
			continue
		}
		participants = append(participants, ParticipatingNode{
			NodeID:   *rec.Node.RobotID,
			NodeType: parseNodeType(rec.Node.Type),
		})
	}
	return participants, nil
}

// ResolveSelf finds this node's own entry among the analysis participants.
func (r *Resolver) ResolveSelf(ctx context.Context, analysisID string) (ParticipatingNode, error) {
	participants, err := r.ListParticipants(ctx, analysisID)
	if err != nil {
		return ParticipatingNode{}, err
	}
	for _, p := range participants {
		if p.NodeID == r.ownNodeID {
			return p, nil
		}
	}
	return ParticipatingNode{}, ErrSelfNotFound
}

func parseNodeType(t string) NodeType {
	switch NodeType(t) {
	case NodeTypeDefault, NodeTypeAggregator:
		return NodeType(t)
	default:
		return NodeTypeUnknown
	}
}
