// Package record recovers structured shopping records from the
// semi-structured markdown the normalization model returns.
package record

import (
	"fmt"
	"strings"
)

const (
	storeHeaderPrefix = "store name:"
	tableHeaderPrefix = "| Raw Item"
)

// StoreBlock is one store's worth of raw items, in receipt order.
type StoreBlock struct {
	StoreName string   `json:"store_name"`
	Items     []string `json:"items"`
}

// Parse scans text line by line and groups markdown table rows under the
// "Store Name:" header that precedes them.
//
// Parse never fails. Text it does not recognize (prose, numbered lists,
// rows outside any store) is skipped, so the worst case is an empty
// result. Column title rows and "|---|---|" separator rows never become
// items.
func Parse(text string) []StoreBlock {
	var (
		blocks []StoreBlock
		store  string
		open   bool
		items  []string
	)

	emit := func() {
		blocks = append(blocks, StoreBlock{StoreName: store, Items: items})
	}

	for _, line := range splitLines(strings.TrimSpace(text)) {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(strings.ToLower(line), storeHeaderPrefix):
			if open && len(items) > 0 {
				emit()
			}
			// a bare "Store Name:" still opens a block, named ""
			store = strings.TrimSpace(line[strings.Index(line, ":")+1:])
			open = true
			items = nil

		case strings.HasPrefix(line, tableHeaderPrefix):
			// column titles

		case strings.HasPrefix(line, "|") && open:
			if item, ok := rowItem(line); ok {
				items = append(items, item)
			}

		case line == "" && open && len(items) > 0:
			emit()
			store = ""
			open = false
			items = nil
		}
	}

	if open && len(items) > 0 {
		emit()
	}

	return blocks
}

// rowItem returns the first non-empty cell of a table row with at least
// two columns.
func rowItem(line string) (string, bool) {
	fields := tableFields(line)
	if len(fields) <= 2 || isSeparatorRow(fields) {
		return "", false
	}
	for _, f := range fields {
		if f == "" {
			continue
		}
		if isRawItemHeader(f) {
			return "", false
		}
		return f, true
	}
	return "", false
}

// FlattenRawItems returns the first-column values of a single markdown
// table, in order. Header and separator rows are skipped even when they
// lack the exact "| Raw Item" prefix.
func FlattenRawItems(rawTableText string) []string {
	items := make([]string, 0)
	for _, line := range splitLines(rawTableText) {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		fields := tableFields(line)
		if len(fields) < 2 || isSeparatorRow(fields) {
			continue
		}
		first := fields[1]
		if first == "" || isRawItemHeader(first) {
			continue
		}
		items = append(items, first)
	}
	return items
}

// FormatBlocks renders blocks as plain text for embedding in prompts.
func FormatBlocks(blocks []StoreBlock) string {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Store: %s\n", block.StoreName)
		for _, item := range block.Items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	return b.String()
}

// CountItems returns the total number of items across blocks.
func CountItems(blocks []StoreBlock) int {
	n := 0
	for _, block := range blocks {
		n += len(block.Items)
	}
	return n
}
