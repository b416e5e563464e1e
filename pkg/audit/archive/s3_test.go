package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

type object struct {
	body []byte
	meta map[string]string
}

type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string]object
	bucket    bool
	putErr    error
	createErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]object), bucket: true}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = object{body: body, meta: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body)), Metadata: obj.meta}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.bucket {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.bucket = true
	return &s3.CreateBucketOutput{}, nil
}

func chain() []*audit.Record {
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	return []*audit.Record{
		{ID: 1, OccurredAt: at, ChainID: "admin", ActorID: "u", ModuleKey: "user", OperationKind: audit.KindCreate, Signature: "aa"},
		{ID: 2, OccurredAt: at.Add(time.Second), ChainID: "admin", ActorID: "u", ModuleKey: "user", OperationKind: audit.KindDelete, PreviousSignatureRef: "aa", Signature: "bb"},
	}
}

func newTestArchiver(client objectAPI) *S3Archiver {
	a := newS3Archiver(client, Config{Bucket: "audit", Prefix: "ledger"}, nil)
	a.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestS3Archiver_ArchiveAndFetch(t *testing.T) {
	fake := newFakeS3()
	a := newTestArchiver(fake)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, "admin", chain()))

	key := "ledger/chains/admin/20240301T120000.000000000Z.ndjson"
	obj, ok := fake.objects[key]
	require.True(t, ok, "keys: %v", fake.objects)
	assert.Equal(t, "admin", obj.meta[MetaChainID])
	assert.Equal(t, "2", obj.meta[MetaRecords])
	assert.Equal(t, "bb", obj.meta[MetaHead])
	assert.Len(t, obj.meta[MetaChecksum], 64)

	records, err := a.Fetch(ctx, key)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "aa", records[1].PreviousSignatureRef)
	assert.True(t, records[0].OccurredAt.Equal(chain()[0].OccurredAt))
}

func TestS3Archiver_FetchDetectsCorruption(t *testing.T) {
	fake := newFakeS3()
	a := newTestArchiver(fake)
	ctx := context.Background()
	require.NoError(t, a.Archive(ctx, "admin", chain()))

	key := a.Key("admin", a.now())
	obj := fake.objects[key]
	obj.body = append([]byte(nil), obj.body...)
	obj.body[10] ^= 0x01
	fake.objects[key] = obj

	_, err := a.Fetch(ctx, key)
	assert.ErrorContains(t, err, "checksum mismatch")

	_, err = a.Fetch(ctx, "missing")
	assert.Error(t, err)
}

func TestS3Archiver_UploadFailure(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("access denied")
	err := newTestArchiver(fake).Archive(context.Background(), "admin", chain())
	assert.ErrorContains(t, err, "access denied")
}

func TestS3Archiver_EnsureBucket(t *testing.T) {
	fake := newFakeS3()
	fake.bucket = false
	a := newTestArchiver(fake)
	require.NoError(t, a.ensureBucket(context.Background()))
	assert.True(t, fake.bucket)

	fake.bucket = false
	fake.createErr = &types.BucketAlreadyOwnedByYou{}
	assert.NoError(t, a.ensureBucket(context.Background()))

	fake.createErr = errors.New("forbidden")
	assert.Error(t, a.ensureBucket(context.Background()))
}

func TestNewS3Archiver_RequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestDecode_SkipsBlankLines(t *testing.T) {
	records, err := decode([]byte("{\"id\":1}\n\n{\"id\":2}\n"))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	_, err = decode([]byte("{\"id\":1}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}
