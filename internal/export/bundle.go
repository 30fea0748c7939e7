package export

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// BlockedError is returned when a bundle is requested for a run that is
// not export-eligible. The decision names the blocker.
type BlockedError struct {
	RunID    string
	Decision Decision
}

func (e BlockedError) Error() string {
	return fmt.Sprintf("export blocked for run %s: %s", e.RunID, e.Decision.Blocker)
}

// Bundle writes a tar.gz archive of the artifact record and its live
// attachments. It refuses when the run is not export-eligible.
func (g Gate) Bundle(ctx context.Context, runID string, w io.Writer) error {
	decision, err := g.CanExport(ctx, runID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return BlockedError{RunID: runID, Decision: decision}
	}

	a, err := g.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	artifactJSON, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	if err := writeEntry(tw, "artifact.json", a.CreatedAt, artifactJSON); err != nil {
		return err
	}

	atts, err := g.Store.ListAttachments(ctx, runID)
	if err != nil {
		return err
	}
	for _, att := range atts {
		_, content, err := g.Store.AttachmentContent(ctx, att.ID)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("attachments/%s_%s", att.Kind, att.ID)
		if err := writeEntry(tw, name, att.CreatedAt, content); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func writeEntry(tw *tar.Writer, name, createdAt string, content []byte) error {
	modTime, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		modTime = time.Unix(0, 0).UTC()
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(content)
	return err
}
