package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/olekukonko/tablewriter"
)

const prefix = "/transfers"

type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Entry is one transfer as seen by the side that recorded it.
type Entry struct {
	ID          string    `json:"id"`
	Direction   Direction `json:"direction"`
	Transport   string    `json:"transport"`
	Peer        string    `json:"peer"`
	Name        string    `json:"name"`
	Bytes       int       `json:"bytes"`
	Chunks      int       `json:"chunks"`
	Retransmits int       `json:"retransmits"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Finish stamps the outcome of the transfer on e.
func (e *Entry) Finish(bytes, chunks, retransmits int, err error) {
	e.Bytes, e.Chunks, e.Retransmits = bytes, chunks, retransmits
	e.FinishedAt = time.Now()
	e.Status, e.Error = StatusOK, ""
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	}
}

func (e Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// Journal keeps transfer history in a LevelDB datastore.
type Journal struct {
	store *dslvl.Datastore
}

func Open(path string) (*Journal, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open journal %s: %w", path, err)
	}
	return &Journal{store: store}, nil
}

func key(id string) ds.Key {
	return ds.NewKey(prefix).ChildString(id)
}

func (j *Journal) Record(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return j.store.Put(ctx, key(e.ID), b)
}

func (j *Journal) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	b, err := j.store.Get(ctx, key(id))
	if err != nil {
		return e, err
	}
	err = json.Unmarshal(b, &e)
	return e, err
}

// All returns every recorded transfer, oldest first.
func (j *Journal) All(ctx context.Context) ([]Entry, error) {
	entries := make([]Entry, 0)

	res, err := j.store.Query(ctx, dsq.Query{Prefix: prefix})
	if err != nil {
		return entries, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return entries, r.Error
		}

		var e Entry
		if err := json.Unmarshal(r.Value, &e); err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].StartedAt.Before(entries[b].StartedAt)
	})
	return entries, nil
}

func (j *Journal) Close() error {
	return j.store.Close()
}

// Render writes entries as a borderless table.
func Render(w io.Writer, entries []Entry) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Started", "Direction", "Transport", "Peer", "Name", "Bytes", "Chunks", "Retransmits", "Status", "Duration"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, e := range entries {
		status := string(e.Status)
		if e.Error != "" {
			status += ": " + e.Error
		}
		table.Append([]string{
			e.StartedAt.Format(time.DateTime),
			string(e.Direction),
			e.Transport,
			e.Peer,
			e.Name,
			strconv.Itoa(e.Bytes),
			strconv.Itoa(e.Chunks),
			strconv.Itoa(e.Retransmits),
			status,
			e.Duration().Round(time.Millisecond).String(),
		})
	}
	table.Render()
}
