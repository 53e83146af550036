// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package backups_test

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/wardenhq/warden/core/backups"
)

type BackupsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&BackupsSuite{})

func (s *BackupsSuite) TestParseTier(c *gc.C) {
	for _, tier := range backups.Tiers {
		parsed, err := backups.ParseTier(string(tier))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(parsed, gc.Equals, tier)
	}
}

func (s *BackupsSuite) TestParseTierUnknown(c *gc.C) {
	_, err := backups.ParseTier("hourly")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(err, gc.ErrorMatches, `backup tier "hourly" not valid`)
}

func (s *BackupsSuite) TestRecordValidate(c *gc.C) {
	record := validRecord()
	c.Assert(record.Validate(), jc.ErrorIsNil)
}

func (s *BackupsSuite) TestRecordValidateEmptyID(c *gc.C) {
	record := validRecord()
	record.ID = ""
	c.Assert(record.Validate(), gc.ErrorMatches, "backup record with empty ID not valid")
}

func (s *BackupsSuite) TestRecordValidateBadTier(c *gc.C) {
	record := validRecord()
	record.Tier = "sometimes"
	c.Assert(record.Validate(), gc.ErrorMatches, `backup tier "sometimes" not valid`)
}

func (s *BackupsSuite) TestRecordValidateZeroCreated(c *gc.C) {
	record := validRecord()
	record.Created = time.Time{}
	c.Assert(record.Validate(), gc.ErrorMatches, `backup record "rec-1" with zero creation time not valid`)
}

func (s *BackupsSuite) TestRecordValidateEmptyChecksum(c *gc.C) {
	record := validRecord()
	record.Checksum = ""
	c.Assert(record.Validate(), gc.ErrorMatches, `backup record "rec-1" with empty checksum not valid`)
}

func (s *BackupsSuite) TestDeleted(c *gc.C) {
	record := validRecord()
	c.Check(record.Deleted(), jc.IsFalse)
	when := time.Now()
	record.DeletedAt = &when
	c.Check(record.Deleted(), jc.IsTrue)
}

func (s *BackupsSuite) TestEpochID(c *gc.C) {
	record := validRecord()
	c.Check(record.EpochID(), gc.Equals, "rec-1")
	record.Epoch = "epoch-7"
	c.Check(record.EpochID(), gc.Equals, "epoch-7")
}

func (s *BackupsSuite) TestPolicyValidate(c *gc.C) {
	policy := backups.Policy{Interval: time.Hour, MaxAge: 24 * time.Hour, MaxCount: 7}
	c.Assert(policy.Validate(), jc.ErrorIsNil)

	policy.Interval = 0
	c.Assert(policy.Validate(), gc.ErrorMatches, "retention policy with non-positive interval not valid")

	policy = backups.Policy{Interval: time.Hour, MaxAge: -time.Hour}
	c.Assert(policy.Validate(), gc.ErrorMatches, "retention policy with negative max age not valid")

	policy = backups.Policy{Interval: time.Hour, MaxCount: -1}
	c.Assert(policy.Validate(), gc.ErrorMatches, "retention policy with negative max count not valid")
}

func validRecord() backups.Record {
	return backups.Record{
		ID:       "rec-1",
		Tier:     backups.TierDaily,
		Created:  time.Now(),
		Checksum: "abc",
	}
}
