// Package poller tracks pending distributions until the control plane
// reports a terminal state. Each check is a stateless invocation that reads
// everything it needs from the record store, so polling survives process
// restarts with no in-memory resume state.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/edgeforge/cdn-orchestrator/internal/cdn"
	"github.com/edgeforge/cdn-orchestrator/internal/history"
	"github.com/edgeforge/cdn-orchestrator/internal/models"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

// Poller performs single-shot status checks against CloudFront and persists
// observed transitions.
type Poller struct {
	store    store.Store
	cdn      *cdn.Client
	recorder *history.Recorder
}

func New(st store.Store, cdnClient *cdn.Client, rec *history.Recorder) *Poller {
	return &Poller{store: st, cdn: cdnClient, recorder: rec}
}

// statusFromCloudFront maps the control plane's status string onto the
// record's lifecycle status.
func statusFromCloudFront(s string) models.Status {
	if s == "Deployed" {
		return models.StatusDeployed
	}
	return models.StatusInProgress
}

// CheckStatus fetches the distribution's current external status and, if it
// changed, persists the transition with a bumped version and a history
// entry. Returns the observed status.
//
// The one transition with a side effect is InProgress to Deployed on a
// multi-origin distribution that owns an edge function: CloudFront does not
// always propagate a fresh function association to every edge location on
// initial deployment, so the poller forces a no-op configuration update to
// trigger replication. That update is best effort and never changes the
// recorded status.
func (p *Poller) CheckStatus(ctx context.Context, id string) (models.Status, error) {
	d, err := p.store.GetDistribution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted while queued for polling.
			return "", nil
		}
		return "", fmt.Errorf("load record %s: %w", id, err)
	}
	if !d.Status.Pending() || d.CloudFrontID == "" {
		return d.Status, nil
	}

	live, err := p.cdn.Get(ctx, d.CloudFrontID)
	if err != nil {
		if cdn.IsNotFound(err) {
			return d.Status, nil
		}
		return d.Status, fmt.Errorf("get distribution %s: %w", d.CloudFrontID, err)
	}

	observed := statusFromCloudFront(live.Status)
	if observed == d.Status {
		return d.Status, nil
	}

	previous := d.Status
	if err := p.store.UpdateDistributionStatus(ctx, id, observed, d.Version+1); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the race against a delete; nothing to record.
			return observed, nil
		}
		return observed, fmt.Errorf("persist status %s: %w", id, err)
	}
	d.Status = observed
	d.Version++

	details, _ := json.Marshal(map[string]string{"cloudfrontStatus": live.Status})
	if err := p.recorder.StatusChange(ctx, d, previous, json.RawMessage(details)); err != nil {
		log.Printf("[poller] record transition for %s: %v", id, err)
	}
	log.Printf("[poller] %s: %s -> %s", id, previous, observed)

	if previous == models.StatusInProgress && observed == models.StatusDeployed &&
		d.IsMultiOrigin && d.EdgeFunctionID != "" {
		if err := p.triggerReplication(ctx, d, live); err != nil {
			log.Printf("[poller] replication trigger for %s: %v", id, err)
		}
	}
	return observed, nil
}

// triggerReplication mutates only the distribution comment, stamping a
// replication marker, to force CloudFront to push the function association
// out to all edge locations. Every other configuration field is passed back
// exactly as read.
func (p *Poller) triggerReplication(ctx context.Context, d models.Distribution, live cdn.Distribution) error {
	if live.Config == nil {
		return fmt.Errorf("no config returned for %s", d.CloudFrontID)
	}
	comment := cdn.ReplicationComment(aws.ToString(live.Config.Comment), time.Now().UnixMilli())
	live.Config.Comment = aws.String(comment)
	if _, err := p.cdn.Update(ctx, d.CloudFrontID, live.ETag, live.Config); err != nil {
		return err
	}
	log.Printf("[poller] triggered edge replication for %s", d.ID)
	return nil
}
