package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/andresmejia3/sentinel-live/internal/embedding"
	"github.com/andresmejia3/sentinel-live/internal/types"
	"github.com/andresmejia3/sentinel-live/internal/utils" // Using the SafeCommand wrapper
)

const (
	// maxFacesPerFrame bounds the face count a response may declare.
	maxFacesPerFrame = 1024
	// faceRecordSize is one encoded face: box, vector and score.
	faceRecordSize = 4*4 + embedding.Dim*4 + 4
	// maxResponseSize bounds the length header of a response.
	maxResponseSize = 1 + 4 + maxFacesPerFrame*faceRecordSize
)

// ErrMalformedResponse is returned when the worker output does not follow the protocol.
var ErrMalformedResponse = errors.New("malformed worker response")

// Detector is the detection/embedding capability: boxes plus one fixed-length
// embedding per face, highest confidence first. Implementations are not required
// to be safe for concurrent use.
type Detector interface {
	Detect(img image.Image) ([]types.Face, error)
}

// Config selects the model pack and interpreter for a worker process.
type Config struct {
	Python      string // interpreter, default python3
	Script      string // worker entry point, default python/worker.py
	Model       string // model pack, e.g. buffalo_l
	DetSize     int    // detector input size
	JPEGQuality int    // quality used to ship frames to the worker
}

func (c Config) withDefaults() Config {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Script == "" {
		c.Script = "python/worker.py"
	}
	if c.DetSize <= 0 {
		c.DetSize = 640
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 90
	}
	return c
}

// PythonWorker drives one model instance living in a Python subprocess.
// Calls are serialized: the model is not re-entrant.
type PythonWorker struct {
	ID       int
	Model    string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	quality int
	mu      sync.Mutex
}

// NewPythonWorker starts the worker process. The process is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	cfg = cfg.withDefaults()

	args := []string{"-u", cfg.Script, "--det-size", strconv.Itoa(cfg.DetSize)}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
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
		Model:    cfg.Model,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		quality:  cfg.JPEGQuality,
	}, nil
}

// Detect encodes img as JPEG and runs it through the worker.
func (w *PythonWorker) Detect(img image.Image) ([]types.Face, error) {
	var buf bytes.Buffer
	quality := w.quality
	if quality == 0 {
		quality = 90
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return w.ProcessFrame(buf.Bytes())
}

// ProcessFrame sends one encoded image and decodes the detected faces.
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.Face, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	resp, err := w.Communicate(data)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// Communicate performs one request/response exchange.
// Protocol: [Length uint32][Data] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed interpreter surfaces here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("%w: response of %d bytes", ErrMalformedResponse, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// parseResponse decodes a response payload.
//
//	OK:    [0] [NumFaces uint32] { [Box 4×int32] [Vec Dim×float32] [Score float32] }*
//	Error: [1] [MsgLen uint32] [Msg]
func parseResponse(payload []byte) ([]types.Face, error) {
	r := bytes.NewReader(payload)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedResponse)
	}

	switch status {
	case 0:
	case 1:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if int(msgLen) > r.Len() {
			return nil, fmt.Errorf("%w: error message truncated", ErrMalformedResponse)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("%w: unknown status %d", ErrMalformedResponse, status)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if numFaces > maxFacesPerFrame {
		return nil, fmt.Errorf("%w: %d faces declared", ErrMalformedResponse, numFaces)
	}

	faces := make([]types.Face, 0, numFaces)
	for i := 0; i < int(numFaces); i++ {
		var box [4]int32
		var vec [embedding.Dim]float32
		var score float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("%w: face %d box: %v", ErrMalformedResponse, i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &vec); err != nil {
			return nil, fmt.Errorf("%w: face %d vector: %v", ErrMalformedResponse, i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("%w: face %d score: %v", ErrMalformedResponse, i, err)
		}

		f := types.Face{
			Box:   types.BBox{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Vec:   make([]float64, embedding.Dim),
			Score: float64(score),
		}
		for j, v := range vec {
			f.Vec[j] = float64(v)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// Close shuts down the worker and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}
