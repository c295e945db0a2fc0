package openai

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// streamSSE reads a text/event-stream body and invokes onEvent for each
// complete event. Comment lines are skipped; multi-line data is joined with
// newlines per the SSE spec.
func streamSSE(r io.Reader, onEvent func(event string, data string) error) error {
	br := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		ev := eventName
		eventName = ""
		if onEvent == nil {
			return nil
		}
		return onEvent(ev, data)
	}

	handle := func(line string) error {
		line = strings.TrimRight(line, "\r\n")

		// Blank line ends event.
		if line == "" {
			return flush()
		}

		// Comment.
		if strings.HasPrefix(line, ":") {
			return nil
		}

		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			return nil
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		return nil
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A body truncated before the final newline still carries
				// the last event; parse the partial line before flushing.
				if line != "" {
					if herr := handle(line); herr != nil {
						return herr
					}
				}
				return flush()
			}
			return err
		}
		if err := handle(line); err != nil {
			return err
		}
	}
}
