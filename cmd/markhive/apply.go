package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/markhive/markhive/pkg/client"
	"github.com/markhive/markhive/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a bookmark tree manifest",
	Long: `Apply a bookmark tree from a YAML manifest to a running server.

Examples:
  # Import a tree into the default namespace
  markhive apply -f bookmarks.yaml

  # Import into a specific namespace
  markhive apply -f bookmarks.yaml --namespace work`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().String("namespace", "", "Target namespace (overrides manifest)")
	applyCmd.Flags().String("server", "http://localhost:8080", "Server base URL")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// TreeManifest is the YAML import format: nested folders with bookmarks
type TreeManifest struct {
	Namespace string           `yaml:"namespace"`
	Folders   []FolderManifest `yaml:"folders,omitempty"`
	Bookmarks []BookmarkEntry  `yaml:"bookmarks,omitempty"`
}

type FolderManifest struct {
	Title     string           `yaml:"title"`
	Open      bool             `yaml:"open,omitempty"`
	Folders   []FolderManifest `yaml:"folders,omitempty"`
	Bookmarks []BookmarkEntry  `yaml:"bookmarks,omitempty"`
}

type BookmarkEntry struct {
	Title string `yaml:"title"`
	URL   string `yaml:"url"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	namespace, _ := cmd.Flags().GetString("namespace")
	serverURL, _ := cmd.Flags().GetString("server")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var manifest TreeManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if namespace == "" {
		namespace = manifest.Namespace
	}
	if namespace == "" {
		namespace = "default"
	}

	envelopes := manifestEnvelopes(namespace, &manifest)
	if len(envelopes) == 0 {
		fmt.Println("Manifest contains no folders or bookmarks")
		return nil
	}

	fmt.Printf("Applying %d operations to namespace '%s'\n", len(envelopes), namespace)

	c := client.New(serverURL)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := c.Sync(ctx, namespace, &types.SyncRequest{
		ClientID:   "markhive-apply",
		Operations: envelopes,
	})
	if err != nil {
		return fmt.Errorf("failed to apply manifest: %v", err)
	}

	applied, failed := 0, 0
	for _, res := range resp.Applied {
		if res.Status == types.AppliedSuccess {
			applied++
		} else {
			failed++
			fmt.Fprintf(os.Stderr, "  operation %s failed: %s\n", res.OperationID, res.Error)
		}
	}

	fmt.Printf("✓ Applied %d operations (%d failed)\n", applied, failed)
	if failed > 0 {
		return fmt.Errorf("%d operations failed", failed)
	}
	return nil
}

// manifestEnvelopes flattens the manifest into create operations. Parents
// are created before children; ids are temporary and remapped by the
// server.
func manifestEnvelopes(namespace string, manifest *TreeManifest) []*types.OperationEnvelope {
	var envs []*types.OperationEnvelope
	now := time.Now().UnixMilli()

	var addBookmark func(parentID string, b BookmarkEntry)
	addBookmark = func(parentID string, b BookmarkEntry) {
		title, url := b.Title, b.URL
		envs = append(envs, &types.OperationEnvelope{
			ID:        uuid.New().String(),
			TS:        now,
			Namespace: namespace,
			Op: types.Operation{
				Type:     types.OpCreateBookmark,
				ID:       types.TempIDPrefix + uuid.New().String(),
				ParentID: parentID,
				Title:    &title,
				URL:      &url,
			},
			Status: types.StatusPending,
		})
	}

	var addFolder func(parentID string, f FolderManifest)
	addFolder = func(parentID string, f FolderManifest) {
		id := types.TempIDPrefix + uuid.New().String()
		title, open := f.Title, f.Open
		envs = append(envs, &types.OperationEnvelope{
			ID:        uuid.New().String(),
			TS:        now,
			Namespace: namespace,
			Op: types.Operation{
				Type:     types.OpCreateFolder,
				ID:       id,
				ParentID: parentID,
				Title:    &title,
				IsOpen:   &open,
			},
			Status: types.StatusPending,
		})
		for _, sub := range f.Folders {
			addFolder(id, sub)
		}
		for _, b := range f.Bookmarks {
			addBookmark(id, b)
		}
	}

	for _, f := range manifest.Folders {
		addFolder(types.RootNodeID, f)
	}
	for _, b := range manifest.Bookmarks {
		addBookmark(types.RootNodeID, b)
	}
	return envs
}
