package utils

import (
	"fmt"
	"net/http"

	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteFrame 编码并发送一帧，随后立即 flush。
func WriteFrame(w http.ResponseWriter, flusher http.Flusher, f frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Kind, err)
	}
	flusher.Flush()
	return nil
}
