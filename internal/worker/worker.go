package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/moodmeter/internal/types"
	"github.com/andresmejia3/moodmeter/internal/utils" // Using the SafeCommand wrapper
)

// Request opcodes.
const (
	opHandshake byte = 0x01
	opDetect    byte = 0x02
)

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// faceRecordSize is [4]int32 box + f32 score + 7 x f32 expressions.
const faceRecordSize = 4*4 + 4 + types.NumCategories*4

// maxFaces caps what we are willing to decode from a single response.
const maxFaces = 1024

var errTruncated = errors.New("truncated worker response")

// RemoteError is a failure reported by the worker itself through the error status.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "inference worker error: " + e.Msg
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func NewPythonWorker(id int, python, script string) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(python, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Handshake asks the worker to load its models and waits until it reports ready.
func (w *PythonWorker) Handshake() error {
	resp, err := w.Communicate([]byte{opHandshake})
	if err != nil {
		return err
	}
	r := bytes.NewReader(resp)
	return readStatus(r)
}

// Detect sends one JPEG frame and decodes the faces found in it.
func (w *PythonWorker) Detect(jpeg []byte, minConfidence float64) ([]types.DetectionCandidate, error) {
	req := make([]byte, 0, 5+len(jpeg))
	req = append(req, opDetect)
	req = binary.BigEndian.AppendUint32(req, math.Float32bits(float32(minConfidence)))
	req = append(req, jpeg...)

	resp, err := w.Communicate(req)
	if err != nil {
		return nil, err
	}
	return decodeFaces(resp)
}

// readStatus consumes the status byte and, on failure, the error message.
func readStatus(r *bytes.Reader) error {
	status, err := r.ReadByte()
	if err != nil {
		return errTruncated
	}
	switch status {
	case statusOK:
		return nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return errTruncated
		}
		if int64(msgLen) > int64(r.Len()) {
			return errTruncated
		}
		msg := make([]byte, msgLen)
		io.ReadFull(r, msg)
		return &RemoteError{Msg: string(msg)}
	}
	return fmt.Errorf("unknown worker status %d", status)
}

func decodeFaces(resp []byte) ([]types.DetectionCandidate, error) {
	r := bytes.NewReader(resp)
	if err := readStatus(r); err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, errTruncated
	}
	if n > maxFaces || int64(n)*faceRecordSize > int64(r.Len()) {
		return nil, fmt.Errorf("%w: %d faces announced, %d bytes left", errTruncated, n, r.Len())
	}

	faces := make([]types.DetectionCandidate, 0, n)
	for i := uint32(0); i < n; i++ {
		var rec struct {
			Box         [4]int32
			Score       float32
			Expressions [types.NumCategories]float32
		}
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return nil, errTruncated
		}

		exprs := make(map[types.Category]float64, types.NumCategories)
		for _, c := range types.Categories {
			v := float64(rec.Expressions[c])
			// NaN marks a category the model did not score.
			if math.IsNaN(v) {
				continue
			}
			exprs[c] = v
		}
		faces = append(faces, types.DetectionCandidate{
			Box:         types.BBox{X: int(rec.Box[0]), Y: int(rec.Box[1]), W: int(rec.Box[2]), H: int(rec.Box[3])},
			Score:       float64(rec.Score),
			Expressions: exprs,
		})
	}
	return faces, nil
}

// Close shuts the worker down. A worker stuck mid-call is killed.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		if w.Cmd.Process != nil {
			w.Cmd.Process.Kill()
		}
		w.Cmd.Wait()
	}
}
