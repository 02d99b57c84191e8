package progress

import "io"

// Reader wraps an io.Reader and reports the completed fraction of a transfer.
// Reports fire every reportInterval bytes and whenever the whole percentage changes,
// whichever comes first.
type Reader struct {
	reader         io.Reader
	total          int64
	read           int64 // cumulative, including offset
	sinceReport    int64
	lastPercent    int64
	reportInterval int64
	onProgress     func(read, total int64)
}

// NewReader starts counting at offset, for transfers resumed from a partial file.
// A total <= 0 means the size is unknown; reports then carry total 0.
func NewReader(r io.Reader, offset, total, interval int64, cb func(read, total int64)) *Reader {
	pr := &Reader{
		reader:         r,
		total:          total,
		read:           offset,
		reportInterval: interval,
		onProgress:     cb,
	}

	pr.lastPercent = pr.percent()

	return pr
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceReport += int64(n)

		percent := pr.percent()
		if pr.sinceReport >= pr.reportInterval || percent != pr.lastPercent {
			pr.onProgress(pr.read, pr.total)
			pr.sinceReport = 0
			pr.lastPercent = percent
		}
	}

	return n, err
}

// BytesRead returns the bytes counted so far, offset included.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) percent() int64 {
	if pr.total <= 0 {
		return 0
	}

	return pr.read * 100 / pr.total
}
