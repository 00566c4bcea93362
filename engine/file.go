package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"

	"github.com/catshadow/meshchat/crdt"
	"github.com/catshadow/meshchat/proto"
)

// streamReadWriter is satisfied by *mux.Stream; kept as an unexported
// interface so fetchFile and serveFileDownload accept any reader/writer
// pair, not only a stream of a full mux.Session.
type streamReadWriter interface {
	io.Reader
	io.Writer
}

// fetchFile drives the client side of File resolution:
// send FileDownloadRequest, then concatenate FileDownloadResponse
// chunks onto a content-neutral path until last_chunk.
func fetchFile(st streamReadWriter, fileID uuid.UUID, filesDir string, store *crdt.Store) error {
	if err := proto.WriteEnvelope(st, proto.Envelope{
		FileDownloadRequest: &proto.FileDownloadRequest{FileID: fileID.String()},
	}); err != nil {
		return err
	}

	tmpPath := filepath.Join(filesDir, fileID.String()+".part")
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	var ext string
	var size int64
	for {
		env, err := proto.ReadEnvelope(st)
		if err != nil {
			return fmt.Errorf("read file chunk: %w", err)
		}
		resp := env.FileDownloadResponse
		if resp == nil {
			return fmt.Errorf("expected FileDownloadResponse")
		}
		n, err := out.Write(resp.Chunk)
		if err != nil {
			return err
		}
		size += int64(n)
		if resp.Ext != "" {
			ext = resp.Ext
		}
		if resp.LastChunk {
			break
		}
	}

	finalPath := filepath.Join(filesDir, fileID.String())
	if ext != "" {
		finalPath += "." + ext
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	return store.PutFile(crdt.FileMetadata{
		FileID: fileID,
		Name:   filepath.Base(finalPath),
		Path:   finalPath,
		Size:   size,
	})
}

// serveFileDownload answers a FileDownloadRequest by streaming the
// locally stored file back in fixed-size chunks.
func serveFileDownload(st streamReadWriter, store *crdt.Store, filesDir string, req *proto.FileDownloadRequest) error {
	fileID, err := uuid.FromString(req.FileID)
	if err != nil {
		return fmt.Errorf("bad file_id: %w", err)
	}
	meta, err := store.GetFile(fileID)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("file %s not found locally", req.FileID)
	}

	path := meta.Path
	if path == "" {
		path = filepath.Join(filesDir, meta.Name)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ext := filepath.Ext(meta.Name)
	if len(ext) > 0 {
		ext = ext[1:]
	}

	const chunkSize = 16 * 1024
	buf := make([]byte, chunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := writeDownloadChunk(st, buf[:n], ext, false); err != nil {
				return err
			}
		}
		if readErr != nil {
			break
		}
	}
	return writeDownloadChunk(st, nil, ext, true)
}

func writeDownloadChunk(st streamReadWriter, chunk []byte, ext string, last bool) error {
	return proto.WriteEnvelope(st, proto.Envelope{
		FileDownloadResponse: &proto.FileDownloadResponse{Chunk: chunk, LastChunk: last, Ext: ext},
	})
}
