package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MarcoPoloResearchLab/revdb/internal/attachments"
	"github.com/MarcoPoloResearchLab/revdb/internal/docstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
)

func (application *app) newPutCommand() *cobra.Command {
	var prevRevID string
	var allowConflict bool
	cmd := &cobra.Command{
		Use:   "put <doc-id> [json]",
		Short: "Store a new revision of a document",
		Long:  "Store a new revision. The body is read from the second argument or, when absent, from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			properties, err := readProperties(cmd, args[1:])
			if err != nil {
				return err
			}
			return application.withStore(cmd.Context(), func(store *docstore.Store) error {
				rev, err := store.PutRevision(cmd.Context(), args[0], properties, prevRevID, allowConflict)
				if err != nil {
					return err
				}
				return writeJSON(cmd, revisionSummary(rev))
			})
		},
	}
	cmd.Flags().StringVar(&prevRevID, "rev", "", "Parent revision ID (empty for a new document)")
	cmd.Flags().BoolVar(&allowConflict, "allow-conflict", false, "Allow a non-leaf parent or a second root")
	return cmd
}

func (application *app) newGetCommand() *cobra.Command {
	var revID string
	var withAttachments, withHistory, withConflicts bool
	cmd := &cobra.Command{
		Use:   "get <doc-id>",
		Short: "Print a revision of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID := args[0]
			return application.withStore(cmd.Context(), func(store *docstore.Store) error {
				options := docstore.GetOptions{}
				if withAttachments {
					options.Attachments = &attachments.ExpandOptions{}
				}
				var rev *revision.Revision
				var err error
				if revID == "" {
					rev, err = store.GetDocument(cmd.Context(), docID, options)
				} else {
					rev, err = store.GetRevision(cmd.Context(), docID, revID, options)
				}
				if err != nil {
					return err
				}

				properties := rev.Properties()
				properties["_local_seq"] = rev.Sequence
				if withHistory {
					history, err := store.RevisionHistory(cmd.Context(), docID, rev.ID.String())
					if err != nil {
						return err
					}
					properties["_revisions"] = idStrings(history)
				}
				if withConflicts {
					conflicts, err := store.Conflicts(cmd.Context(), docID)
					if err != nil {
						return err
					}
					ids := make([]string, 0, len(conflicts))
					for _, conflict := range conflicts {
						ids = append(ids, conflict.ID.String())
					}
					properties["_conflicts"] = ids
				}
				return writeJSON(cmd, properties)
			})
		},
	}
	cmd.Flags().StringVar(&revID, "rev", "", "Revision ID (default: the current revision)")
	cmd.Flags().BoolVar(&withAttachments, "attachments", false, "Inline attachment contents")
	cmd.Flags().BoolVar(&withHistory, "history", false, "Include the revision history")
	cmd.Flags().BoolVar(&withConflicts, "conflicts", false, "Include conflicting revision IDs")
	return cmd
}

func (application *app) newDeleteCommand() *cobra.Command {
	var revID string
	cmd := &cobra.Command{
		Use:   "delete <doc-id>",
		Short: "Delete a document at its current revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.withStore(cmd.Context(), func(store *docstore.Store) error {
				rev, err := store.DeleteDocument(cmd.Context(), args[0], revID)
				if err != nil {
					return err
				}
				return writeJSON(cmd, revisionSummary(rev))
			})
		},
	}
	cmd.Flags().StringVar(&revID, "rev", "", "Current revision ID of the document")
	_ = cmd.MarkFlagRequired("rev")
	return cmd
}

func (application *app) newChangesCommand() *cobra.Command {
	var since uint64
	var options docstore.ChangesOptions
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List documents changed after a sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.withStore(cmd.Context(), func(store *docstore.Store) error {
				revisions, err := store.ChangesSince(cmd.Context(), since, options)
				if err != nil {
					return err
				}
				results := make([]map[string]any, 0, len(revisions))
				for _, rev := range revisions {
					result := map[string]any{"seq": rev.Sequence, "id": rev.DocID, "rev": rev.ID.String()}
					if rev.Deleted {
						result["deleted"] = true
					}
					if options.IncludeDocs {
						result["doc"] = rev.Properties()
					}
					results = append(results, result)
				}
				return writeJSON(cmd, results)
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "Only list changes after this sequence")
	cmd.Flags().IntVar(&options.Limit, "limit", 0, "Maximum number of changes (0 for no limit)")
	cmd.Flags().BoolVar(&options.IncludeConflicts, "conflicts", false, "List every current leaf instead of winners only")
	cmd.Flags().BoolVar(&options.IncludeDocs, "docs", false, "Include document bodies")
	return cmd
}

func (application *app) newAttachCommand() *cobra.Command {
	var revID, contentType string
	var gzipped, remove bool
	cmd := &cobra.Command{
		Use:   "attach <doc-id> <name> [file]",
		Short: "Add, replace or remove an attachment in a new revision",
		Long:  "Add or replace an attachment with the contents of file (or stdin). With --remove the attachment is dropped instead.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, name := args[0], args[1]
			return application.withStore(cmd.Context(), func(store *docstore.Store) error {
				if remove {
					rev, err := store.UpdateAttachment(cmd.Context(), docID, revID, name, nil, "", attachments.EncodingNone)
					if err != nil {
						return err
					}
					return writeJSON(cmd, revisionSummary(rev))
				}

				source, closeSource, err := openInput(cmd, args[2:])
				if err != nil {
					return err
				}
				defer closeSource()

				writer, err := store.NewAttachmentWriter()
				if err != nil {
					return err
				}
				if _, err := io.Copy(writer, source); err != nil {
					writer.Cancel()
					return fmt.Errorf("read attachment: %w", err)
				}
				encoding := attachments.EncodingNone
				if gzipped {
					encoding = attachments.EncodingGzip
				}
				rev, err := store.UpdateAttachment(cmd.Context(), docID, revID, name, writer, contentType, encoding)
				if err != nil {
					return err
				}
				return writeJSON(cmd, revisionSummary(rev))
			})
		},
	}
	cmd.Flags().StringVar(&revID, "rev", "", "Parent revision ID (empty for a new document)")
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "MIME type of the attachment")
	cmd.Flags().BoolVar(&gzipped, "gzip", false, "The input is gzip encoded")
	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the attachment")
	return cmd
}

func (application *app) newFetchCommand() *cobra.Command {
	var revID string
	var raw bool
	cmd := &cobra.Command{
		Use:   "fetch <doc-id> <name>",
		Short: "Write an attachment's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.withStore(cmd.Context(), func(store *docstore.Store) error {
				content, _, err := store.GetAttachmentContent(cmd.Context(), args[0], revID, args[1], !raw)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(content)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&revID, "rev", "", "Revision ID (default: the current revision)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Write encoded bytes without decoding")
	return cmd
}

func (application *app) newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Prune revision trees, drop old bodies and delete unreferenced attachments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.withStore(cmd.Context(), func(store *docstore.Store) error {
				result, err := store.Compact(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]int{
					"pruned_revisions": result.PrunedRevisions,
					"compacted_bodies": result.CompactedBodies,
					"deleted_blobs":    result.DeletedBlobs,
				})
			})
		},
	}
}

func (application *app) newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.withStore(cmd.Context(), func(store *docstore.Store) error {
				ctx := cmd.Context()
				documentCount, err := store.DocumentCount(ctx)
				if err != nil {
					return err
				}
				lastSequence, err := store.LastSequence(ctx)
				if err != nil {
					return err
				}
				publicUUID, err := store.PublicUUID(ctx)
				if err != nil {
					return err
				}
				blobCount, err := store.Blobs().Count()
				if err != nil {
					return err
				}
				blobBytes, err := store.Blobs().TotalDataSize()
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]any{
					"doc_count":        documentCount,
					"update_seq":       lastSequence,
					"public_uuid":      publicUUID,
					"attachment_count": blobCount,
					"attachment_bytes": blobBytes,
					"encrypted":        store.Blobs().Encrypted(),
				})
			})
		},
	}
}

func readProperties(cmd *cobra.Command, args []string) (map[string]any, error) {
	var source io.Reader = cmd.InOrStdin()
	if len(args) > 0 {
		source = strings.NewReader(args[0])
	}

	var properties map[string]any
	if err := json.NewDecoder(source).Decode(&properties); err != nil {
		return nil, fmt.Errorf("decode document body: %w", err)
	}
	return properties, nil
}

// openInput opens the file named by args[0], or stdin when args is empty or "-".
func openInput(cmd *cobra.Command, args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	file, err := os.Open(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", args[0], err)
	}
	return file, func() { file.Close() }, nil
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func revisionSummary(rev *revision.Revision) map[string]any {
	summary := map[string]any{"ok": true, "id": rev.DocID, "rev": rev.ID.String(), "seq": rev.Sequence}
	if rev.Deleted {
		summary["deleted"] = true
	}
	return summary
}

func idStrings(ids []revision.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
