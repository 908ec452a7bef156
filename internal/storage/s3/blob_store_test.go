package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(b))
	return &s3.PutObjectOutput{}, nil
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	fake := &fakePutter{}
	store := &BlobStore{client: fake, bucket: "liturgy"}

	uri, err := store.PutObject(context.Background(), "raw/SP/2019-01-26/run-1.json", "application/json", strings.NewReader(`{"data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://liturgy/raw/SP/2019-01-26/run-1.json", uri)

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, "liturgy", aws.ToString(in.Bucket))
	assert.Equal(t, "raw/SP/2019-01-26/run-1.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))
	assert.Equal(t, int64(11), aws.ToInt64(in.ContentLength))
	assert.Equal(t, `{"data":{}}`, fake.bodies[0])
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := &BlobStore{client: &fakePutter{err: errors.New("AccessDenied")}, bucket: "liturgy"}
	_, err := store.PutObject(context.Background(), "a.json", "", strings.NewReader("x"))
	assert.ErrorContains(t, err, "AccessDenied")

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewWithStaticCredentials(t *testing.T) {
	t.Parallel()

	store, err := New(context.Background(), Config{
		Bucket: "liturgy", Endpoint: "minio.local:9000/", AccessKey: "key", SecretKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "liturgy", store.bucket)
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", normalizeEndpoint(" "))
	assert.Equal(t, "https://minio.local:9000", normalizeEndpoint("minio.local:9000/"))
	assert.Equal(t, "http://localhost:9000", normalizeEndpoint("http://localhost:9000"))
}
