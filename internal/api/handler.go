package api

import (
	"context"
	"time"

	"github.com/contactsync/contactsync/internal/metrics"
	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/webhook"
)

// Engine is the subset of syncengine.Engine the HTTP surface drives.
type Engine interface {
	Plan(ctx context.Context, contact model.Contact) (model.SyncPlan, error)
	Apply(ctx context.Context, plan model.SyncPlan) (model.SyncResult, error)
	MergeCandidates(ctx context.Context, keys model.MatchKeys, sourceID, mappedResource string) (model.SyncResult, error)
}

// SourceCRM is the subset of sourcecrm.Client the batch endpoints need:
// single-contact fetch for the amo_ids path, and a listing fetch for the
// since_days/since_minutes path.
type SourceCRM interface {
	GetContact(ctx context.Context, id string) ([]byte, error)
	ListContacts(ctx context.Context, limit, sinceDays, sinceMinutes int) ([]model.Contact, error)
}

// ExtractFields turns a raw CRM payload into a normalised Contact.
type ExtractFields func(sourceID string, raw []byte) model.Contact

// DirectoryReader is the subset of directory.Client the debug surface
// needs, beyond what Engine already drives internally.
type DirectoryReader interface {
	ListConnections(ctx context.Context, limit int, sinceTime time.Time) ([]model.Person, error)
	GroupCacheSnapshot() map[string]string
}

// QueueDepther reports the current size of the retry queue.
type QueueDepther interface {
	QueueDepth(ctx context.Context) (int, error)
}

// Handler holds the collaborators the HTTP surface drives. Unlike the
// worker, which processes one row end to end, Handler's batch routes
// assemble their own contact lists directly from SourceCRM.
type Handler struct {
	engine    Engine
	crm       SourceCRM
	extract   ExtractFields
	directory DirectoryReader
	store     QueueDepther
	metrics   *metrics.Directory
	webhook   *webhook.Ingestor
	version   string
}

// NewHandler constructs a Handler.
func NewHandler(engine Engine, crm SourceCRM, extract ExtractFields, directory DirectoryReader, store QueueDepther, m *metrics.Directory, ingestor *webhook.Ingestor, version string) *Handler {
	return &Handler{
		engine:    engine,
		crm:       crm,
		extract:   extract,
		directory: directory,
		store:     store,
		metrics:   m,
		webhook:   ingestor,
		version:   version,
	}
}
