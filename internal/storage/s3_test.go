package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKeyPrefixing(t *testing.T) {
	svc := &S3Service{keyPrefix: "archive"}
	assert.Equal(t, "archive/qmhash/file.bin", svc.objectKey("qmhash/file.bin"))
	assert.Equal(t, "archive/file.bin", svc.objectKey("/file.bin"))

	bare := &S3Service{}
	assert.Equal(t, "file.bin", bare.objectKey("file.bin"))
}
