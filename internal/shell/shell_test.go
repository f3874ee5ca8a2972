package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userlist/userlist/pkg/client"
	"github.com/userlist/userlist/pkg/models"
	"github.com/userlist/userlist/pkg/session"
)

type fakeClient struct {
	view    client.View
	calls   []string
	err     error
	changes chan struct{}
	done    chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		view: client.View{Rows: []client.Row{
			{Record: models.Record{ID: 1, Name: "A"}},
			{Record: models.Record{ID: 2, Name: "B"}, Locked: true},
		}},
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeClient) BeginCreate() { f.calls = append(f.calls, "create") }

func (f *fakeClient) BeginModify(id int64) error {
	f.calls = append(f.calls, "modify "+models.Record{ID: id}.String())
	return f.err
}

func (f *fakeClient) Cancel() bool {
	f.calls = append(f.calls, "cancel")
	return f.err == nil
}

func (f *fakeClient) Commit(_ context.Context, name string) error {
	f.calls = append(f.calls, "commit "+name)
	return f.err
}

func (f *fakeClient) Delete(_ context.Context, id int64) error {
	f.calls = append(f.calls, "delete "+models.Record{ID: id}.String())
	return f.err
}

func (f *fakeClient) Snapshot() client.View { return f.view }

func (f *fakeClient) Changes() <-chan struct{} { return f.changes }

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func TestExecDispatches(t *testing.T) {
	fc := newFakeClient()
	var out bytes.Buffer
	sh := New(fc, &out, nil)
	ctx := context.Background()

	for _, line := range []string{"add", "save  Ada Lovelace ", "edit 2", "cancel", "rm 1", "", "list"} {
		quit, err := sh.Exec(ctx, line)
		require.NoError(t, err, line)
		assert.False(t, quit)
	}

	assert.Equal(t, []string{
		"create",
		"commit Ada Lovelace",
		"modify 2:",
		"cancel",
		"delete 1:",
	}, fc.calls)
}

func TestExecErrors(t *testing.T) {
	fc := newFakeClient()
	sh := New(fc, &bytes.Buffer{}, nil)
	ctx := context.Background()

	_, err := sh.Exec(ctx, "edit")
	assert.ErrorContains(t, err, "missing record id")

	_, err = sh.Exec(ctx, "rm x")
	assert.ErrorContains(t, err, `invalid record id "x"`)

	_, err = sh.Exec(ctx, "frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	fc.err = session.ErrNotOpen
	_, err = sh.Exec(ctx, "save X")
	assert.ErrorContains(t, err, "nothing to save")

	fc.err = errors.New("boom")
	_, err = sh.Exec(ctx, "cancel")
	assert.ErrorContains(t, err, "nothing to cancel")
	_, err = sh.Exec(ctx, "edit 1")
	assert.ErrorContains(t, err, "boom")
}

func TestExecQuit(t *testing.T) {
	sh := New(newFakeClient(), &bytes.Buffer{}, nil)

	quit, err := sh.Exec(context.Background(), "quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestRender(t *testing.T) {
	active := models.Record{ID: 3, Name: "C"}
	v := client.View{
		Rows: []client.Row{
			{Record: models.Record{ID: 1, Name: "A"}},
			{Record: models.Record{ID: 2, Name: "B"}, Locked: true},
			{Record: active, Editing: true},
		},
		Mode:   session.ModeUpdate,
		Active: &active,
	}

	var out bytes.Buffer
	require.NoError(t, Render(&out, v))

	assert.Equal(t, strings.Join([]string{
		"----",
		"      1  A",
		"#     2  B",
		"*     3  C",
		"editing 3:C, save <name> or cancel",
		"",
	}, "\n"), out.String())
}

func TestRenderEmptyInsert(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Render(&out, client.View{Mode: session.ModeInsert}))

	assert.Contains(t, out.String(), "(empty)")
	assert.Contains(t, out.String(), "adding a new record")
}

func TestRunStopsOnQuit(t *testing.T) {
	fc := newFakeClient()
	var out bytes.Buffer

	err := New(fc, &out, nil).Run(context.Background(), strings.NewReader("add\nquit\nadd\n"))

	require.NoError(t, err)
	assert.Equal(t, []string{"create"}, fc.calls)
}

func TestRunStopsAtEndOfInput(t *testing.T) {
	err := New(newFakeClient(), &bytes.Buffer{}, nil).Run(context.Background(), strings.NewReader("list\n"))
	assert.NoError(t, err)
}

func TestRunStopsWhenFeedIsLost(t *testing.T) {
	fc := newFakeClient()
	close(fc.done)

	// A reader that never yields keeps the input side busy.
	pr, pw := io.Pipe()
	defer pw.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- New(fc, &bytes.Buffer{}, nil).Run(context.Background(), pr)
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrFeedLost)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
