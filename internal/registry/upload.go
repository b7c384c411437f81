package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"tages/internal/api"
)

// UploadEvent is one step of an upload. Progress events carry a Percent
// in 0..100; the single terminal event has Done set and either Err or the
// backend's confirmation Message.
type UploadEvent struct {
	Percent int
	Done    bool
	Err     error
	Message string
}

// uploadBuffer holds every event one upload can produce: 101 distinct
// percentages and the terminal event.
const uploadBuffer = 102

var errNoResult = errors.New("upload ended without a result")

// Upload sends r as the multipart field "file" under name. size is the
// byte count used for progress; with size <= 0 progress jumps from 0 to
// 100. Percentages never repeat or decrease, the last one before a
// successful terminal event is 100, and the channel closes after the
// terminal event. Cancelling ctx aborts the transfer.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64) <-chan UploadEvent {
	events := make(chan UploadEvent, uploadBuffer)
	go c.upload(ctx, name, r, size, nil, events)
	return events
}

// UploadFile uploads a local file under its base name.
func (c *Client) UploadFile(ctx context.Context, path string) (<-chan UploadEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	events := make(chan UploadEvent, uploadBuffer)
	go c.upload(ctx, filepath.Base(path), f, info.Size(), f, events)
	return events, nil
}

// Drain consumes events, passing each percentage to onProgress (which may
// be nil), and returns the terminal event.
func Drain(events <-chan UploadEvent, onProgress func(percent int)) UploadEvent {
	for ev := range events {
		if ev.Done {
			return ev
		}
		if onProgress != nil {
			onProgress(ev.Percent)
		}
	}
	return UploadEvent{Done: true, Err: errNoResult}
}

type progress struct {
	events chan<- UploadEvent
	last   int
}

func (p *progress) report(percent int) {
	if percent <= p.last {
		return
	}
	p.last = percent
	p.events <- UploadEvent{Percent: percent}
}

type uploadResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

func (c *Client) upload(ctx context.Context, name string, r io.Reader, size int64, closer io.Closer, events chan<- UploadEvent) {
	defer close(events)
	if closer != nil {
		defer closer.Close()
	}
	finish := func(ev UploadEvent) {
		ev.Done = true
		events <- ev
	}

	pr, pw := io.Pipe()
	req, err := c.request(ctx, "upload", http.MethodPost, "/api/files/upload", "", pr)
	if err != nil {
		var re *api.RegistryError
		if errors.As(err, &re) {
			re.Name = name
		}
		finish(UploadEvent{Err: err})
		return
	}
	mw := multipart.NewWriter(pw)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	prog := &progress{events: events, last: -1}
	prog.report(0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pw.CloseWithError(writeMultipart(mw, name, r, size, prog))
	}()

	resp, err := c.transport.DoStreaming(req)
	if err != nil {
		pr.CloseWithError(err)
		wg.Wait()
		c.logger.Warn("upload failed", "name", name, "error", err)
		finish(UploadEvent{Err: &api.NetworkError{Op: "upload", Err: err}})
		return
	}
	defer resp.Body.Close()

	if !api.OK(resp) {
		pr.Close()
		wg.Wait()
		err := api.NewRegistryError("upload", name, resp)
		c.logger.Warn("upload rejected", "name", name, "status", resp.StatusCode, "error", err)
		finish(UploadEvent{Err: err})
		return
	}

	var body uploadResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxListBody)).Decode(&body)
	pr.Close()
	wg.Wait()

	prog.report(100)
	c.logger.Info("uploaded file", "name", name, "bytes", size)
	finish(UploadEvent{Percent: 100, Message: body.Message})
}

// writeMultipart streams r into the "file" part, reporting progress after
// each chunk the pipe accepts.
func writeMultipart(mw *multipart.Writer, name string, r io.Reader, size int64, prog *progress) error {
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}

	buf := make([]byte, 32<<10)
	var sent int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := part.Write(buf[:n]); err != nil {
				return err
			}
			sent += int64(n)
			if size > 0 {
				prog.report(percentOf(sent, size))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return mw.Close()
}

// percentOf rounds sent/total to the nearest whole percent, capped at 100.
func percentOf(sent, total int64) int {
	p := int((sent*200 + total) / (total * 2))
	if p > 100 {
		return 100
	}
	return p
}
