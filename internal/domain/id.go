package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewJobID returns an identifier of the form job_<unixMillis>_<9 lowercase alnum>.
func NewJobID(now time.Time) string {
	return fmt.Sprintf("job_%d_%s", now.UnixMilli(), randomSuffix(9))
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			buf[i] = idAlphabet[i%len(idAlphabet)]
			continue
		}
		buf[i] = idAlphabet[idx.Int64()]
	}
	return string(buf)
}
