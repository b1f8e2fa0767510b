package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/freeeve/regionstore/internal/palette"
	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/store"
)

var inspectChunks bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>...",
	Short: "decode region files and print a summary",
	Long: `
Decode one or more r.<x>.<z>.blk or r.<x>.<z>.aux files, verifying the
frame checksum, and print their metadata, chunk and layer statistics.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := store.NewCodec("", nil)
		if err != nil {
			return err
		}
		defer codec.Close()
		for _, path := range args {
			if err := inspectFile(cmd.OutOrStdout(), codec, path, inspectChunks); err != nil {
				return errors.Wrapf(err, "%s", path)
			}
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(
		&inspectChunks, "chunks", false, "print one line per present chunk")
}

func inspectFile(w io.Writer, codec *store.Codec, path string, chunks bool) error {
	pos, kind, ok := store.ParseFileName(filepath.Base(path))
	if !ok {
		return errors.Newf("not a region file name")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	r := region.New(pos)
	fmt.Fprintf(w, "%s: region %s, %s file, %d bytes\n", filepath.Base(path), pos, kind, len(data))

	switch kind {
	case store.KindBlocks:
		if err := codec.DecodeBlocks(r, data); err != nil {
			return err
		}
		summariseBlocks(w, r.Blocks, chunks)
	case store.KindAux:
		if err := codec.DecodeAux(r, data); err != nil {
			return err
		}
		fmt.Fprintf(w, "  modified %d, aux-recompute %t\n", r.AuxModified(), r.AuxRecompute)
		tbl := tablewriter.NewWriter(w)
		tbl.SetHeader([]string{"Layer", "Modified", "Bytes"})
		for _, nl := range r.Layers {
			tbl.Append([]string{
				nl.Name,
				strconv.FormatInt(nl.Layer.Modified(), 10),
				strconv.FormatInt(nl.Layer.MemoryBytes(), 10),
			})
		}
		tbl.Render()
	}
	return nil
}

func summariseBlocks(w io.Writer, b *region.BlockLayer, chunks bool) {
	fmt.Fprintf(w, "  modified %d, %d/%d chunks, %d bytes in memory\n",
		b.Modified(), b.ChunkCount(), region.RegionChunkCount, b.MemoryBytes())

	kinds := make(map[palette.Kind]int)
	var tbl *tablewriter.Table
	if chunks {
		tbl = tablewriter.NewWriter(w)
		tbl.SetHeader([]string{"Chunk", "Kind", "Distinct", "Modified"})
	}
	for cz := 0; cz < region.RegionChunks; cz++ {
		for cx := 0; cx < region.RegionChunks; cx++ {
			c := b.Chunk(cx, cz)
			if c == nil {
				continue
			}
			cells := c.Cells()
			kinds[cells.Kind()]++
			if tbl != nil {
				tbl.Append([]string{
					fmt.Sprintf("%d,%d", cx, cz),
					cells.Kind().String(),
					strconv.Itoa(cells.Distinct()),
					strconv.FormatInt(c.Modified(), 10),
				})
			}
		}
	}
	if tbl != nil {
		tbl.Render()
	}

	names := make([]palette.Kind, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	for _, k := range names {
		fmt.Fprintf(w, "  %-8s %d chunks\n", k, kinds[k])
	}
}
