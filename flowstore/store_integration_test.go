//go:build integration

package flowstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/natsclient"
)

type StoreIntegrationSuite struct {
	suite.Suite
	testClient *natsclient.TestClient
	store      *Store
	ctx        context.Context
	cancel     context.CancelFunc
	bucketSeq  int
}

func (s *StoreIntegrationSuite) SetupSuite() {
	s.testClient = natsclient.NewTestClient(s.T(), natsclient.WithJetStream())
}

func (s *StoreIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)
	s.bucketSeq++
	var err error
	s.store, err = NewStore(s.ctx, s.testClient.Client,
		WithBucket(fmt.Sprintf("deployments_%d", s.bucketSeq)), WithRetention(3))
	s.Require().NoError(err)
}

func (s *StoreIntegrationSuite) TearDownTest() {
	s.cancel()
}

func (s *StoreIntegrationSuite) save(revision, payload string, at time.Time) {
	d, err := NewDeployment(revision, descriptor(payload))
	s.Require().NoError(err)
	d.DeployedAt = at
	s.Require().NoError(s.store.Save(s.ctx, d))
}

func (s *StoreIntegrationSuite) TestRecordAndLatest() {
	_, err := s.store.Latest(s.ctx)
	s.ErrorIs(err, errors.ErrKeyNotFound)

	s.Require().NoError(s.store.RecordDeployment(s.ctx, "r1", descriptor("one")))
	latest, err := s.store.Latest(s.ctx)
	s.Require().NoError(err)
	s.Equal("r1", latest.Revision)
	s.Equal("one", latest.Descriptor.Flows[0].Nodes[0].Config["payload"])

	got, err := s.store.Get(s.ctx, "r1")
	s.Require().NoError(err)
	s.Equal(latest.Fingerprints, got.Fingerprints)
}

func (s *StoreIntegrationSuite) TestSaveDuplicateRevision() {
	s.Require().NoError(s.store.RecordDeployment(s.ctx, "dup", descriptor("a")))
	err := s.store.RecordDeployment(s.ctx, "dup", descriptor("b"))
	s.True(errors.IsInvalid(err))
}

func (s *StoreIntegrationSuite) TestLatestNeverMovesBackwards() {
	now := time.Now().UTC()
	s.save("new", "n", now)
	s.save("old", "o", now.Add(-time.Hour))

	latest, err := s.store.Latest(s.ctx)
	s.Require().NoError(err)
	s.Equal("new", latest.Revision)
}

func (s *StoreIntegrationSuite) TestListAndRetention() {
	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		s.save(fmt.Sprintf("r%d", i), "p", base.Add(time.Duration(i)*time.Minute))
	}

	all, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal("r2", all[0].Revision)
	s.Equal("r4", all[2].Revision)
	s.Equal([]string{"f1", "f2"}, all[2].Flows)

	_, err = s.store.Get(s.ctx, "r0")
	s.ErrorIs(err, errors.ErrKeyNotFound)
}

func (s *StoreIntegrationSuite) TestDeleteClearsLatest() {
	s.Require().NoError(s.store.RecordDeployment(s.ctx, "only", descriptor("x")))
	s.Require().NoError(s.store.Delete(s.ctx, "only"))

	_, err := s.store.Latest(s.ctx)
	s.ErrorIs(err, errors.ErrKeyNotFound)

	err = s.store.Delete(s.ctx, "only")
	s.ErrorIs(err, errors.ErrKeyNotFound)
}

func TestStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(StoreIntegrationSuite))
}
