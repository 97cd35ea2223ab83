// Package storage provides the blob store that BlobWrite nodes upload to.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
)

const (
	connectionStringEnv = "GLIDE_BLOB_CONNECTION_STRING"
	containerEnv        = "GLIDE_BLOB_CONTAINER"
	defaultContainer    = "glide"
)

// BlobStore uploads and downloads blobs by path.
type BlobStore interface {
	Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, blobPath string) ([]byte, error)
}

// AzureBlobClient is a BlobStore bound to one container. The container is
// created on first upload.
type AzureBlobClient struct {
	container  *container.Client
	name       string
	serviceURL string
	logger     *zap.Logger

	ready    sync.Once
	readyErr error
}

var _ BlobStore = (*AzureBlobClient)(nil)

// NewAzureBlobClient connects with a storage connection string. Endpoints
// over plain HTTP, such as a local Azurite, are accepted.
func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	switch {
	case logger == nil:
		return nil, fmt.Errorf("logger is required")
	case connectionString == "":
		return nil, fmt.Errorf("connection string is required")
	case containerName == "":
		return nil, fmt.Errorf("container name is required")
	}

	var opts *azblob.ClientOptions
	if plainHTTP(connectionString) {
		opts = &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true}}
	}
	svc, err := azblob.NewClientFromConnectionString(connectionString, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid blob connection string: %w", err)
	}

	return &AzureBlobClient{
		container:  svc.ServiceClient().NewContainerClient(containerName),
		name:       containerName,
		serviceURL: strings.TrimRight(svc.URL(), "/"),
		logger:     logger.With(zap.String("container", containerName)),
	}, nil
}

// NewAzureBlobClientFromEnv reads GLIDE_BLOB_CONNECTION_STRING and
// GLIDE_BLOB_CONTAINER. It returns nil, nil when no connection string is set.
func NewAzureBlobClientFromEnv(logger *zap.Logger) (*AzureBlobClient, error) {
	cs := os.Getenv(connectionStringEnv)
	if cs == "" {
		return nil, nil
	}
	name := os.Getenv(containerEnv)
	if name == "" {
		name = defaultContainer
	}
	return NewAzureBlobClient(cs, name, logger)
}

// ContainerName returns the target container.
func (a *AzureBlobClient) ContainerName() string {
	return a.name
}

// Upload writes data to blobPath and returns the blob URL.
func (a *AzureBlobClient) Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var meta map[string]*string
	if len(metadata) > 0 {
		meta = make(map[string]*string, len(metadata))
		for k, v := range metadata {
			meta[k] = to.Ptr(v)
		}
	}

	bb := a.container.NewBlockBlobClient(blobPath)
	if _, err := bb.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	}); err != nil {
		a.logger.Error("blob upload failed", zap.String("path", blobPath), zap.Int("bytes", len(data)), zap.Error(err))
		return "", fmt.Errorf("upload %s: %w", blobPath, err)
	}

	a.logger.Debug("blob uploaded", zap.String("path", blobPath), zap.Int("bytes", len(data)))
	return bb.URL(), nil
}

// Download reads a blob by path or by the URL Upload returned.
func (a *AzureBlobClient) Download(ctx context.Context, ref string) ([]byte, error) {
	path, err := a.blobPath(ref)
	if err != nil {
		return nil, err
	}

	resp, err := a.container.NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.ready.Do(func() {
		_, err := a.container.Create(ctx, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			a.readyErr = fmt.Errorf("create container %s: %w", a.name, err)
		}
	})
	return a.readyErr
}

// blobPath strips the service URL, query string and container from ref.
func (a *AzureBlobClient) blobPath(ref string) (string, error) {
	ref, _, _ = strings.Cut(strings.TrimSpace(ref), "?")
	if len(ref) >= len(a.serviceURL) && strings.EqualFold(ref[:len(a.serviceURL)], a.serviceURL) {
		ref = ref[len(a.serviceURL):]
	}
	ref = strings.TrimPrefix(strings.TrimPrefix(ref, "/"), a.name+"/")
	if ref == "" {
		return "", fmt.Errorf("blob path is empty")
	}
	return ref, nil
}

// plainHTTP reports whether the connection string selects an http endpoint.
func plainHTTP(connectionString string) bool {
	for _, field := range strings.Split(connectionString, ";") {
		key, value, _ := strings.Cut(strings.TrimSpace(field), "=")
		value = strings.ToLower(value)
		switch key {
		case "DefaultEndpointsProtocol":
			if value == "http" {
				return true
			}
		case "BlobEndpoint":
			if strings.HasPrefix(value, "http://") {
				return true
			}
		}
	}
	return false
}
