package query

import (
	"context"
	"fmt"
	"sort"

	"cutledger/internal/domain"
	"cutledger/internal/store"
)

// TreeNode is one artifact plus its children, ordered by created_at.
type TreeNode struct {
	Artifact domain.RunArtifact `json:"artifact"`
	Children []*TreeNode        `json:"children,omitempty"`
}

// ResolveBatchRoot finds the canonical starting artifact of a batch. It
// prefers the artifact whose kind matches kindHint (default "spec") and
// falls back to the member with no parent reference inside the batch.
func (e Engine) ResolveBatchRoot(ctx context.Context, sessionID, batchLabel, kindHint string) (string, error) {
	if kindHint == "" {
		kindHint = domain.KindSpec
	}
	members, err := e.batchMembers(ctx, sessionID, batchLabel)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", store.ErrNotFound
	}

	for _, m := range members {
		if m.Kind == kindHint {
			return m.RunID, nil
		}
	}

	inSet := make(map[string]bool, len(members))
	for _, m := range members {
		inSet[m.RunID] = true
	}
	for _, m := range members {
		rooted := true
		for _, parentID := range m.Parents {
			if inSet[parentID] {
				rooted = false
				break
			}
		}
		if rooted {
			return m.RunID, nil
		}
	}
	return "", fmt.Errorf("batch %s/%s has no root: every member has an in-batch parent", sessionID, batchLabel)
}

// BuildTree reconstructs the lineage tree under rootID breadth-first,
// regardless of insertion order.
func (e Engine) BuildTree(ctx context.Context, rootID string) (*TreeNode, error) {
	rootArtifact, err := e.Store.GetRun(ctx, rootID)
	if err != nil {
		return nil, err
	}
	root := &TreeNode{Artifact: rootArtifact}

	visited := map[string]bool{rootID: true}
	queue := []*TreeNode{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		children, err := e.childrenOf(ctx, node.Artifact.RunID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if visited[child.RunID] {
				continue
			}
			visited[child.RunID] = true
			childNode := &TreeNode{Artifact: child}
			node.Children = append(node.Children, childNode)
			queue = append(queue, childNode)
		}
	}
	return root, nil
}

func (e Engine) batchMembers(ctx context.Context, sessionID, batchLabel string) ([]domain.RunArtifact, error) {
	rows, err := e.DB.QueryContext(ctx, `SELECT `+runColumnsPrefixed+` FROM run_index i JOIN runs r ON r.run_id=i.run_id WHERE i.session_id=? AND i.batch_label=? ORDER BY i.created_at, i.run_id`, sessionID, batchLabel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunArtifact
	for rows.Next() {
		a, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (e Engine) childrenOf(ctx context.Context, parentID string) ([]domain.RunArtifact, error) {
	rows, err := e.DB.QueryContext(ctx, `SELECT `+runColumnsPrefixed+` FROM run_parents p JOIN runs r ON r.run_id=p.run_id WHERE p.parent_id=? AND r.deleted_at IS NULL`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunArtifact
	for rows.Next() {
		a, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt != res[j].CreatedAt {
			return res[i].CreatedAt < res[j].CreatedAt
		}
		return res[i].RunID < res[j].RunID
	})
	return res, nil
}
