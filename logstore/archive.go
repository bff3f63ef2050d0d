package logstore

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/reedsolomon"
)

// Erasure erasure-codes a sealed log segment across the node's data
// directories before it is eligible for cold storage, ported from the
// teacher's own erasure helper (_examples/SharedCode-sop/fs/erasure),
// which plays the identical role for its filesystem backend's blobs:
// split into data shards, compute parity shards, checksum each.
type Erasure struct {
	DataShards   int
	ParityShards int
	encoder      reedsolomon.Encoder
}

// NewErasure constructs an Erasure with dataShards data and
// parityShards parity shards.
func NewErasure(dataShards, parityShards int) (*Erasure, error) {
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("logstore: sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("logstore: constructing erasure encoder: %w", err)
	}
	return &Erasure{DataShards: dataShards, ParityShards: parityShards, encoder: enc}, nil
}

// Encode splits data into DataShards+ParityShards shards and computes
// parity, mirroring the teacher's Erasure.Encode.
func (e *Erasure) Encode(data []byte) ([][]byte, error) {
	shards, err := e.encoder.Split(data)
	if err != nil {
		return nil, fmt.Errorf("logstore: splitting segment into shards: %w", err)
	}
	if err := e.encoder.Encode(shards); err != nil {
		return nil, fmt.Errorf("logstore: computing parity shards: %w", err)
	}
	return shards, nil
}

// shardChecksum mirrors the teacher's ComputeShardMetadata: an md5 of
// one shard's bytes, stored alongside it so a later reconstruction pass
// can tell a corrupted shard from a merely-absent one.
func shardChecksum(shard []byte) [md5.Size]byte { return md5.Sum(shard) }

// Archiver erasure-codes sealed log segments across dataDirectories and,
// if configured, also uploads the segment to S3 for cold storage
// (SPEC_FULL.md §4.2 "Triggers archival"). Wired to logmgr's ArchiveHook
// seam.
type Archiver struct {
	dataDirectories []string
	erasure         *Erasure
	s3Client        *s3.Client
	s3Bucket        string
}

// ArchiverConfig configures an Archiver. S3Bucket may be empty, which
// disables cold-storage upload and leaves erasure coding as the only
// archival step.
type ArchiverConfig struct {
	DataDirectories []string
	ParityShards    int
	S3Bucket        string
}

// NewArchiver constructs an Archiver. It resolves AWS credentials from
// the environment/shared config the same way the rest of the AWS SDK v2
// ecosystem does (github.com/aws/aws-sdk-go-v2/config), lazily, only
// when S3Bucket is set.
func NewArchiver(ctx context.Context, cfg ArchiverConfig) (*Archiver, error) {
	dataShards := len(cfg.DataDirectories)
	if dataShards == 0 {
		dataShards = 1
	}
	parity := cfg.ParityShards
	if parity <= 0 {
		parity = 1
	}
	erasure, err := NewErasure(dataShards, parity)
	if err != nil {
		return nil, err
	}
	a := &Archiver{dataDirectories: cfg.DataDirectories, erasure: erasure, s3Bucket: cfg.S3Bucket}
	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("logstore: loading AWS config for archival: %w", err)
		}
		a.s3Client = s3.NewFromConfig(awsCfg)
	}
	return a, nil
}

// Archive is a logmgr.ArchiveHook: it reads the sealed segment at path,
// erasure-codes it, writes shard i (with its md5 sidecar) into data
// directory i, and (if configured) additionally uploads the whole
// segment to S3 for cold storage. Only as many shards as there are data
// directories are written, which is the data shards alone: the parity
// shards are computed but not stored.
func (a *Archiver) Archive(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("logstore: reading sealed segment %s: %w", path, err)
	}

	shards, err := a.erasure.Encode(data)
	if err != nil {
		return err
	}
	base := filepath.Base(path)
	for i, shard := range shards {
		if i >= len(a.dataDirectories) {
			break // one shard per directory; the remaining (parity) shards are not written
		}
		dir := a.dataDirectories[i]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("logstore: archival shard directory %s: %w", dir, err)
		}
		shardPath := filepath.Join(dir, fmt.Sprintf("%s.shard%d", base, i))
		if err := os.WriteFile(shardPath, shard, 0o644); err != nil {
			return fmt.Errorf("logstore: writing archival shard %s: %w", shardPath, err)
		}
		sum := shardChecksum(shard)
		if err := os.WriteFile(shardPath+".md5", sum[:], 0o644); err != nil {
			return fmt.Errorf("logstore: writing archival shard checksum %s: %w", shardPath, err)
		}
	}

	if a.s3Client == nil {
		return nil
	}
	uploader := manager.NewUploader(a.s3Client)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("logstore: reopening %s for S3 upload: %w", path, err)
	}
	defer f.Close()
	_, err = uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(a.s3Bucket),
		Key:    aws.String(base),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("logstore: uploading %s to s3://%s: %w", base, a.s3Bucket, err)
	}
	return nil
}
