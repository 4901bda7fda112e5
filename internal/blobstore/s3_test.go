package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestS3Store_URLJoinsBaseAndPath(t *testing.T) {
	s := &S3Store{bucket: "artifacts", base: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/project-1/app.wasm", s.URL("project-1/app.wasm"))
	assert.Equal(t, "https://cdn.example.com/project-1/app.wasm", s.URL("/project-1/app.wasm"))
}
