package feed

import (
	"context"
	"os"

	"github.com/tidwall/gjson"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/importer"
)

// KeyPath selects the object key of an item instead of a value inside it.
const KeyPath = "@key"

// JSONParser extracts rows from a JSON document with gjson paths.
type JSONParser struct {
	// ItemsPath selects the array or object whose members are rows.
	ItemsPath string
	// Fields maps a row field name to a gjson path relative to the item,
	// or KeyPath.
	Fields map[string]string
	// ErrorPath, when it resolves, marks the document as a provider error
	// message rather than data.
	ErrorPath string
}

type jsonItem struct {
	key   gjson.Result
	value gjson.Result
}

func (p JSONParser) Open(ctx context.Context, artifact Artifact) (importer.RowIterator, error) {
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeParse, "failed to read artifact")
	}
	if !gjson.ValidBytes(data) {
		return nil, apperrors.Parse("artifact is not valid JSON")
	}
	if p.ErrorPath != "" {
		if msg := gjson.GetBytes(data, p.ErrorPath); msg.Exists() {
			return nil, apperrors.Parse("provider returned an error").WithDetails(msg.String())
		}
	}

	items := gjson.GetBytes(data, p.ItemsPath)
	if p.ItemsPath == "" {
		items = gjson.ParseBytes(data)
	}
	if !items.Exists() {
		return nil, apperrors.Parse("items not found in artifact").WithDetails(p.ItemsPath)
	}

	var rows []jsonItem
	items.ForEach(func(key, value gjson.Result) bool {
		rows = append(rows, jsonItem{key: key, value: value})
		return true
	})
	return &jsonRows{ctx: ctx, parser: p, items: rows}, nil
}

type jsonRows struct {
	ctx    context.Context
	parser JSONParser
	items  []jsonItem
	pos    int
	row    importer.RawRow
	err    error
}

func (it *jsonRows) Next() bool {
	if it.err != nil || it.pos >= len(it.items) {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	item := it.items[it.pos]
	it.pos++

	fields := make(map[string]string, len(it.parser.Fields))
	for name, path := range it.parser.Fields {
		if path == KeyPath {
			fields[name] = item.key.String()
			continue
		}
		if v := item.value.Get(path); v.Exists() {
			fields[name] = v.String()
		}
	}
	it.row = importer.RawRow{Fields: fields}
	return true
}

func (it *jsonRows) Row() importer.RawRow { return it.row }
func (it *jsonRows) Err() error           { return it.err }
func (it *jsonRows) Close() error         { return nil }
