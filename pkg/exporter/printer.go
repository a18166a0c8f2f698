package exporter

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/history"
	"cvfs/pkg/trust"
)

// PrintEntry 打印目录项的元数据 (stat)
func PrintEntry(e *core.DirectoryEntry, w io.Writer) {
	fmt.Fprintf(w, "Path:    %s\n", e.Path)
	fmt.Fprintf(w, "Type:    %s\n", e.Kind)
	fmt.Fprintf(w, "Mode:    %s\n", e.FileMode())
	fmt.Fprintf(w, "Size:    %s\n", fmtSize(e.Size))
	fmt.Fprintf(w, "Links:   %d\n", e.Nlink)
	fmt.Fprintf(w, "Owner:   %d:%d\n", e.UID, e.GID)
	fmt.Fprintf(w, "Mtime:   %s\n", time.Unix(e.Mtime, 0).UTC().Format(time.RFC3339))
	switch {
	case e.IsSymlink():
		fmt.Fprintf(w, "Target:  %s\n", e.Symlink)
	case e.IsMountpoint():
		fmt.Fprintf(w, "Catalog: %s\n", e.Hash)
	case e.IsFile():
		fmt.Fprintf(w, "Hash:    %s\n", e.Hash)
		if e.IsChunked() {
			fmt.Fprintf(w, "Chunks:  %d\n", len(e.Chunks))
		}
	}
}

// PrintListing 以类似 ls -l 的格式打印目录内容
func PrintListing(entries []*core.DirectoryEntry, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		name := e.Name
		switch {
		case e.IsSymlink():
			name += " -> " + e.Symlink
		case e.IsDir():
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.FileMode(), fmtSize(e.Size), time.Unix(e.Mtime, 0).UTC().Format("2006-01-02 15:04"), name)
	}
	return tw.Flush()
}

// PrintManifest 打印仓库 manifest 的字段 (cvfs info)
func PrintManifest(st *trust.State, w io.Writer) {
	m := st.Manifest
	fmt.Fprintf(w, "Repository:   %s\n", m.Repository)
	fmt.Fprintf(w, "Revision:     %d\n", m.Revision)
	fmt.Fprintf(w, "Published:    %s\n", m.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "TTL:          %s\n", m.TTL)
	fmt.Fprintf(w, "Root catalog: %s (%s)\n", m.RootCatalog, fmtSize(m.RootCatalogSize))
	fmt.Fprintf(w, "Certificate:  %s\n", m.Certificate)
	if !m.History.IsZero() {
		fmt.Fprintf(w, "History:      %s\n", m.History)
	}
	if st.Whitelist != nil {
		fmt.Fprintf(w, "Whitelist:    expires %s\n", st.Whitelist.Expires.UTC().Format(time.RFC3339))
	}
	if !st.LastSnapshot.IsZero() {
		fmt.Fprintf(w, "Replicated:   %s\n", st.LastSnapshot.UTC().Format(time.RFC3339))
	}
	if m.GarbageCollect {
		fmt.Fprintf(w, "Garbage collection enabled\n")
	}
}

// PrintTags 打印历史库中的 tag
func PrintTags(tags []history.Tag, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "NAME\tREVISION\tPUBLISHED\tROOT\tDESCRIPTION\n")
	for _, t := range tags {
		root := t.Root.String()
		if len(root) > 12 {
			root = root[:12]
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			t.Name, t.Revision, t.Timestamp.UTC().Format(time.RFC3339), root, t.Description)
	}
	return tw.Flush()
}

func fmtSize(s int64) string {
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}
