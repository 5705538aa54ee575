// Package storageworker is the Storage worker: it materializes a remote
// bucket prefix into an in-memory filesystem (tests must never touch
// the host disk) and later uploads evidence from that same filesystem
// back to the bucket.
//
// The in-memory sandbox is github.com/spf13/afero's MemMapFs, the
// ecosystem-standard in-memory afero.Fs. The remote side is a narrow
// Provider interface with S3, GCS and Azure Blob implementations,
// selected by internal/config's StorageProvider setting — the cloud
// SDKs sit behind narrow async provider interfaces rather than being
// imported directly by callers.
package storageworker

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// ErrManifestNotFound is returned when a bucket prefix has no
// manifest.yaml at its root.
var ErrManifestNotFound = fmt.Errorf("storageworker: manifest.yaml not found")

// Provider is the narrow, async remote-object-storage contract. Object
// keys are always "/"-separated and relative to the bucket root.
type Provider interface {
	// ListObjects returns every object key under prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	// GetObject fetches one object's full contents.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	// PutObject uploads data to bucket/key, creating or overwriting it.
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// manifestYAML is the on-disk shape of manifest.yaml, the file the
// Storage worker parses into a model.BlockStorageDirective.
type manifestYAML struct {
	EvidenceDir  string `yaml:"evidenceDir"`
	GluePackages []string `yaml:"gluePackages"`
	Topics       []struct {
		Topic            string   `yaml:"topic"`
		Role             string   `yaml:"role"`
		ClientPrincipal  string   `yaml:"clientPrincipal"`
		BootstrapServers string   `yaml:"bootstrapServers"`
		KeySchemaType    string   `yaml:"keySchemaType"`
		ValueSchemaType  string   `yaml:"valueSchemaType"`
		Filters          []struct {
			EventType      string `yaml:"eventType"`
			PayloadVersion string `yaml:"payloadVersion"`
		} `yaml:"filters"`
	} `yaml:"topics"`
}

// Worker fetches a bucket prefix into a fresh in-memory filesystem and
// later uploads an evidence directory back out. One Worker is created
// per test, owned exclusively by that test's FSM.
type Worker struct {
	provider Provider
	fs       afero.Fs
}

// New builds a Worker bound to provider, with a fresh empty MemMapFs.
func New(provider Provider) *Worker {
	return &Worker{
		provider: provider,
		fs:       afero.NewMemMapFs(),
	}
}

// FS exposes the in-memory filesystem so the Scenario worker's glue code
// can read staged assets without ever touching the host disk.
func (w *Worker) FS() afero.Fs {
	return w.fs
}

// Initialize downloads bucket's entire object tree into the in-memory
// filesystem rooted at "/staging", parses "/staging/manifest.yaml", and
// returns the resulting directive. This is the async fetch behind the
// BlockStorageFetched transition.
func (w *Worker) Initialize(ctx context.Context, bucket string) (model.BlockStorageDirective, error) {
	const stagingRoot = "/staging"

	keys, err := w.provider.ListObjects(ctx, bucket, "")
	if err != nil {
		return model.BlockStorageDirective{}, fmt.Errorf("storageworker: list objects in %s: %w", bucket, err)
	}

	hasManifest := false
	for _, key := range keys {
		if key == "manifest.yaml" {
			hasManifest = true
		}
		data, err := w.provider.GetObject(ctx, bucket, key)
		if err != nil {
			return model.BlockStorageDirective{}, fmt.Errorf("storageworker: fetch %s/%s: %w", bucket, key, err)
		}
		dest := path.Join(stagingRoot, key)
		if err := afero.WriteFile(w.fs, dest, data, 0o644); err != nil {
			return model.BlockStorageDirective{}, fmt.Errorf("storageworker: stage %s: %w", dest, err)
		}
	}
	if !hasManifest {
		return model.BlockStorageDirective{}, ErrManifestNotFound
	}

	raw, err := afero.ReadFile(w.fs, path.Join(stagingRoot, "manifest.yaml"))
	if err != nil {
		return model.BlockStorageDirective{}, fmt.Errorf("storageworker: read staged manifest: %w", err)
	}

	var parsed manifestYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return model.BlockStorageDirective{}, fmt.Errorf("storageworker: parse manifest: %w", err)
	}

	directive := model.BlockStorageDirective{
		Bucket:       bucket,
		StagingPath:  stagingRoot,
		EvidenceDir:  parsed.EvidenceDir,
		GluePackages: parsed.GluePackages,
	}
	if directive.EvidenceDir == "" {
		directive.EvidenceDir = path.Join(stagingRoot, "evidence")
	}
	for _, t := range parsed.Topics {
		td := model.TopicDirective{
			Topic:            t.Topic,
			Role:             model.Role(t.Role),
			ClientPrincipal:  t.ClientPrincipal,
			BootstrapServers: t.BootstrapServers,
			KeySchemaType:    model.SchemaType(t.KeySchemaType),
			ValueSchemaType:  model.SchemaType(t.ValueSchemaType),
		}
		for _, f := range t.Filters {
			td.Filters = append(td.Filters, model.EventFilter{
				EventType:      f.EventType,
				PayloadVersion: f.PayloadVersion,
			})
		}
		directive.Topics = append(directive.Topics, td)
	}
	return directive, nil
}

// LoadToBlockStorage walks evidenceDir in the in-memory filesystem and
// uploads every file under bucket/evidence/{testID}/, returning once
// every file has been written remotely (BlockStorageUploadComplete).
func (w *Worker) LoadToBlockStorage(ctx context.Context, bucket string, testID model.TestID, evidenceDir string) error {
	exists, err := afero.DirExists(w.fs, evidenceDir)
	if err != nil {
		return fmt.Errorf("storageworker: stat evidence dir: %w", err)
	}
	if !exists {
		// No evidence produced is not an error — scenario suites that
		// fail before writing any report still complete the FSM's
		// Completed/Exception tail.
		return nil
	}

	prefix := fmt.Sprintf("evidence/%s/", testID.String())
	return afero.Walk(w.fs, evidenceDir, func(filePath string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(filePath, evidenceDir), "/")
		data, err := afero.ReadFile(w.fs, filePath)
		if err != nil {
			return fmt.Errorf("storageworker: read %s: %w", filePath, err)
		}
		return w.provider.PutObject(ctx, bucket, prefix+rel, data)
	})
}
