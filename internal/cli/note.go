package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/vault"
)

var (
	notePin string

	noteTitle  string
	noteBody   string
	noteFile   string
	noteFolder string
	noteTags   []string

	listSearch string
	listFolder string
	listTag    string
	listTrash  bool
	listAll    bool
	outputJSON bool

	rmPurge  bool
	pinUnpin bool
)

func newNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Manage notes",
		Long: `Create, list, edit and remove notes in the vault.

Example:
  pinbridge note add --title "Wifi" --body "hunter2" --tags home
  pinbridge note list --search wifi+home
  pinbridge note show <id>
  pinbridge note rm <id>`,
	}
	cmd.PersistentFlags().StringVar(&notePin, "pin", "", "PIN when no session is active")

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteAdd(cmd)
		},
	}
	addCmd.Flags().StringVar(&noteTitle, "title", "", "Note title")
	addCmd.Flags().StringVar(&noteBody, "body", "", "Note body")
	addCmd.Flags().StringVar(&noteFile, "body-file", "", "Read the body from a file, - for stdin")
	addCmd.Flags().StringVar(&noteFolder, "folder", "", "Folder")
	addCmd.Flags().StringSliceVar(&noteTags, "tags", nil, "Comma-separated tags")

	editCmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteEdit(cmd, args[0])
		},
	}
	editCmd.Flags().StringVar(&noteTitle, "title", "", "New title")
	editCmd.Flags().StringVar(&noteBody, "body", "", "New body")
	editCmd.Flags().StringVar(&noteFile, "body-file", "", "Read the new body from a file, - for stdin")
	editCmd.Flags().StringVar(&noteFolder, "folder", "", "New folder")
	editCmd.Flags().StringSliceVar(&noteTags, "tags", nil, "Replace the tags")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List notes",
		Long: `List notes, pinned first and then by last update.

The --search flag matches title, body, folder and tags. Tokens separated by
'+' or whitespace must all match (e.g. 'wifi+home').`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteList(cmd)
		},
	}
	listCmd.Flags().StringVar(&listSearch, "search", "", "Search tokens")
	listCmd.Flags().StringVar(&listFolder, "folder", "", "Only notes in folder")
	listCmd.Flags().StringVar(&listTag, "tag", "", "Only notes with tag")
	listCmd.Flags().BoolVar(&listTrash, "trash", false, "Only notes in the trash")
	listCmd.Flags().BoolVar(&listAll, "all", false, "Include notes in the trash")
	listCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteShow(cmd, args[0])
		},
	}
	showCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Move a note to the trash",
		Long: `Move a note to the trash. Trashed notes sync to every device.

With --purge the note is deleted from this device only; a device that still
holds it brings it back on the next sync.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteRemove(cmd, args[0])
		},
	}
	rmCmd.Flags().BoolVar(&rmPurge, "purge", false, "Delete the note from this device")

	restoreCmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a note from the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNotes(cmd, func(a *app) error {
				if err := a.manager.TrashNote(cmd.Context(), args[0], false); err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Note %s restored", args[0])
				return nil
			})
		},
	}

	pinCmd := &cobra.Command{
		Use:   "pin <id>",
		Short: "Pin a note to the top of the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNotes(cmd, func(a *app) error {
				if err := a.manager.PinNote(cmd.Context(), args[0], !pinUnpin); err != nil {
					return err
				}
				if pinUnpin {
					success(cmd.OutOrStdout(), "Note %s unpinned", args[0])
				} else {
					success(cmd.OutOrStdout(), "Note %s pinned", args[0])
				}
				return nil
			})
		},
	}
	pinCmd.Flags().BoolVar(&pinUnpin, "unpin", false, "Unpin instead")

	historyCmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show earlier versions of a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteHistory(cmd, args[0])
		},
	}

	tagsCmd := &cobra.Command{
		Use:   "tags",
		Short: "List tags with note counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteTags(cmd)
		},
	}

	cmd.AddCommand(addCmd, editCmd, listCmd, showCmd, rmCmd, restoreCmd, pinCmd, historyCmd, tagsCmd)
	return cmd
}

func withNotes(cmd *cobra.Command, fn func(a *app) error) error {
	return withUnlocked(cmd.Context(), notePin, fn)
}

func readBody(cmd *cobra.Command) (string, error) {
	if noteFile == "" {
		return noteBody, nil
	}
	var data []byte
	var err error
	if noteFile == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(noteFile)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read note body: %w", err)
	}
	return string(data), nil
}

func runNoteAdd(cmd *cobra.Command) error {
	body, err := readBody(cmd)
	if err != nil {
		return err
	}
	if noteTitle == "" && body == "" {
		return fmt.Errorf("a note needs a --title or a body")
	}

	return withNotes(cmd, func(a *app) error {
		note, err := a.manager.SaveNote(cmd.Context(), domain.Note{
			Title:  noteTitle,
			Body:   body,
			Folder: noteFolder,
			Tags:   noteTags,
		})
		if err != nil {
			return fmt.Errorf("failed to save note: %w", err)
		}
		success(cmd.OutOrStdout(), "Note %s added", note.ID)
		return nil
	})
}

func runNoteEdit(cmd *cobra.Command, id string) error {
	flags := cmd.Flags()
	if !flags.Changed("title") && !flags.Changed("body") && !flags.Changed("body-file") &&
		!flags.Changed("folder") && !flags.Changed("tags") {
		return fmt.Errorf("nothing to change")
	}
	body, err := readBody(cmd)
	if err != nil {
		return err
	}

	return withNotes(cmd, func(a *app) error {
		note, err := a.manager.Note(id)
		if err != nil {
			return err
		}
		if flags.Changed("title") {
			note.Title = noteTitle
		}
		if flags.Changed("body") || flags.Changed("body-file") {
			note.Body = body
		}
		if flags.Changed("folder") {
			note.Folder = noteFolder
		}
		if flags.Changed("tags") {
			note.Tags = noteTags
		}
		if _, err := a.manager.SaveNote(cmd.Context(), note); err != nil {
			return fmt.Errorf("failed to save note: %w", err)
		}
		success(cmd.OutOrStdout(), "Note %s updated", id)
		return nil
	})
}

func runNoteList(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	return withNotes(cmd, func(a *app) error {
		notes, err := a.manager.Notes(vault.NoteFilter{
			Query:        listSearch,
			Folder:       listFolder,
			Tag:          listTag,
			IncludeTrash: listAll,
			OnlyTrash:    listTrash,
		})
		if err != nil {
			return fmt.Errorf("failed to list notes: %w", err)
		}

		if outputJSON {
			return outputNotesJSON(out, notes)
		}
		if len(notes) == 0 {
			writeOutput(out, "No notes found\n")
			if listSearch == "" && listFolder == "" && listTag == "" && !listTrash {
				hint(out, "Use %s to create your first note", cmdName("pinbridge note add"))
			}
			return nil
		}
		return outputNotesTable(out, notes)
	})
}

func outputNotesTable(out io.Writer, notes []domain.Note) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tTITLE\tFOLDER\tTAGS\tUPDATED\tFLAGS")
	for _, n := range notes {
		title := n.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, title, n.Folder, strings.Join(n.Tags, ","), formatMs(n.Updated), noteFlags(n))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write notes: %w", err)
	}

	return writeOutput(out, "\nFound %d notes\n", len(notes))
}

func outputNotesJSON(out io.Writer, notes []domain.Note) error {
	if notes == nil {
		notes = []domain.Note{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(notes); err != nil {
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}
	return nil
}

func runNoteShow(cmd *cobra.Command, id string) error {
	out := cmd.OutOrStdout()

	return withNotes(cmd, func(a *app) error {
		note, err := a.manager.Note(id)
		if err != nil {
			return err
		}
		if outputJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			encoder.SetEscapeHTML(false)
			return encoder.Encode(note)
		}

		writeOutput(out, "ID:      %s\n", note.ID)
		writeOutput(out, "Title:   %s\n", note.Title)
		if note.Folder != "" {
			writeOutput(out, "Folder:  %s\n", note.Folder)
		}
		if len(note.Tags) > 0 {
			writeOutput(out, "Tags:    %s\n", strings.Join(note.Tags, ", "))
		}
		writeOutput(out, "Created: %s\n", formatMs(note.Created))
		writeOutput(out, "Updated: %s\n", formatMs(note.Updated))
		if flags := noteFlags(note); flags != "" {
			writeOutput(out, "Flags:   %s\n", flags)
		}
		for _, hash := range note.Attachments {
			name := "(not on this device)"
			if meta, err := a.attachments.Meta(hash); err == nil {
				name = fmt.Sprintf("%s, %d bytes", meta.Name, meta.Size)
			}
			writeOutput(out, "Attachment: %s %s\n", hash, name)
		}
		writeOutput(out, "\n%s\n", note.Body)
		return nil
	})
}

func runNoteRemove(cmd *cobra.Command, id string) error {
	out := cmd.OutOrStdout()

	return withNotes(cmd, func(a *app) error {
		if rmPurge {
			if err := a.manager.DeleteNote(cmd.Context(), id); err != nil {
				return err
			}
			success(out, "Note %s deleted from this device", id)
			return nil
		}
		if err := a.manager.TrashNote(cmd.Context(), id, true); err != nil {
			return err
		}
		success(out, "Note %s moved to the trash", id)
		return nil
	})
}

func runNoteHistory(cmd *cobra.Command, id string) error {
	out := cmd.OutOrStdout()

	return withNotes(cmd, func(a *app) error {
		revisions, err := a.manager.NoteVersions(id)
		if err != nil {
			return err
		}
		if len(revisions) == 0 {
			writeOutput(out, "No earlier versions of %s\n", id)
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SAVED\tTITLE\tBODY")
		for _, rev := range revisions {
			body := strings.ReplaceAll(rev.Note.Body, "\n", " ")
			if len(body) > 50 {
				body = body[:47] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", formatMs(rev.SavedAt), rev.Note.Title, body)
		}
		return w.Flush()
	})
}

func runNoteTags(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	return withNotes(cmd, func(a *app) error {
		counts, err := a.manager.TagCounts()
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			writeOutput(out, "No tags\n")
			return nil
		}

		tags := make([]string, 0, len(counts))
		for tag := range counts {
			tags = append(tags, tag)
		}
		sort.Strings(tags)

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, tag := range tags {
			fmt.Fprintf(w, "%s\t%d\n", tag, counts[tag])
		}
		return w.Flush()
	})
}
