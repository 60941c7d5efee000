// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ckpt

import (
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/grailbio/base/errors"
)

// S3Store ships checkpoints to a bucket, for runs where the workers'
// local disks are not durable enough to survive a node loss between
// checkpoint and restart. It writes through Save/Load's local on-disk
// format by way of a scratch file, so the object stored in S3 is byte for
// byte what a local Load could also read.
type S3Store struct {
	Bucket string
	Prefix string
	sess   *session.Session
}

// NewS3Store builds an S3Store using the default AWS credential chain
// (environment, shared config, or instance role), matching how the
// bamprovider test package constructs its session for S3-backed input.
func NewS3Store(bucket, prefix string) (*S3Store, error) {
	sess, err := session.NewSession(aws.NewConfig())
	if err != nil {
		return nil, errors.E(err, "ckpt: aws session")
	}
	return &S3Store{Bucket: bucket, Prefix: prefix, sess: sess}, nil
}

func (s *S3Store) key(name string) string {
	if s.Prefix == "" {
		return name
	}
	return s.Prefix + "/" + name
}

// Save writes opt/master's checkpoint to a local scratch file with Save,
// then uploads it to s.Bucket under name.
func (s *S3Store) Save(scratchPath, name string, worldSize, rank int, opt Savable, master MasterState) error {
	if err := Save(scratchPath, worldSize, rank, opt, master); err != nil {
		return err
	}
	f, err := os.Open(scratchPath)
	if err != nil {
		return errors.E(err, "ckpt: reopen scratch checkpoint")
	}
	defer f.Close()

	uploader := s3manager.NewUploader(s.sess)
	_, err = uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(name)),
		Body:   f,
	})
	if err != nil {
		return errors.E(err, "ckpt: s3 upload", s.Bucket, name)
	}
	return nil
}

// Load downloads name from s.Bucket into a local scratch file, then
// restores opt/master from it with Load.
func (s *S3Store) Load(scratchPath, name string, worldSize, rank int, opt Savable, master MasterState) error {
	f, err := os.Create(scratchPath)
	if err != nil {
		return errors.E(err, "ckpt: create scratch checkpoint")
	}
	defer f.Close()

	downloader := s3manager.NewDownloader(s.sess)
	_, err = downloader.Download(f, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return errors.E(err, "ckpt: s3 download", s.Bucket, name)
	}
	return Load(scratchPath, worldSize, rank, opt, master)
}
