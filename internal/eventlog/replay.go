package eventlog

import (
	"context"
	"errors"
	"io"

	"github.com/ppiankov/calltrace/internal/model"
)

// Producer receives replayed notifications.
type Producer interface {
	Enter(thread model.Thread, m model.Method)
	Exit(thread model.ThreadID)
}

// Replay feeds every record from r to p in stream order and returns the
// number of records delivered.
func Replay(ctx context.Context, r *Reader, p Producer) (int64, error) {
	var n int64
	for {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		switch rec.Kind {
		case KindEnter:
			p.Enter(model.Thread{ID: rec.Thread, Name: rec.ThreadName}, model.Method{
				Site:      rec.Site,
				Class:     rec.Class,
				Generic:   rec.Generic,
				Name:      rec.Method,
				Signature: rec.Signature,
			})
		case KindExit:
			p.Exit(rec.Thread)
		}
		n++
	}
}
