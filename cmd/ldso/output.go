package main

import (
	"bufio"
	"io"
	"time"
)

// outputWriter batches report lines onto w from a single goroutine so that
// program output interleaves cleanly with the report.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter(w io.Writer) *outputWriter {
	o := &outputWriter{
		ch:     make(chan string, 256),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go o.run()
	return o
}

func (o *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-o.ch:
			if !ok {
				o.writer.Flush()
				close(o.done)
				return
			}
			o.writer.WriteString(line)
			o.writer.WriteByte('\n')
		case <-ticker.C:
			o.writer.Flush()
		}
	}
}

// Write queues one line.
func (o *outputWriter) Write(line string) { o.ch <- line }

// Close flushes pending lines and stops the writer.
func (o *outputWriter) Close() {
	close(o.ch)
	<-o.done
}
