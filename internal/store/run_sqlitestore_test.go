package store

import (
	"context"
	"database/sql"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type executionSQLiteStoreSuite struct {
	executionStore *ExecutionSQLiteStore
	db             *sql.DB
	suite.Suite
}

func TestExecutionSQLiteStore(t *testing.T) {
	suite.Run(t, new(executionSQLiteStoreSuite))
}

func (suite *executionSQLiteStoreSuite) SetupSuite() {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	suite.db = db
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		log.Fatal(err)
	}
	if err := RunMigrations(db); err != nil {
		log.Fatal(err)
	}
	suite.executionStore = NewExecutionSQLiteStore(db, db)
}

func (suite *executionSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *executionSQLiteStoreSuite) createRun(createdOn time.Time) *ExecutionRun {
	r, err := suite.executionStore.CreateRun(context.Background(), "api-tests", 2, createdOn)
	suite.Require().NoError(err)
	return r
}

func (suite *executionSQLiteStoreSuite) createReferencedRun(createdOn time.Time, buildID string) *ExecutionRun {
	r := suite.createRun(createdOn)
	suite.Require().NoError(suite.executionStore.UpdateRunJenkinsInfo(
		context.Background(), r.RunID, "api-tests", buildID, "http://ci/job/api-tests/"+buildID+"/",
	))
	return r
}

func (suite *executionSQLiteStoreSuite) TestExecutionSQLiteStore_CreateRun() {
	suite.Run("success - run created as pending", func() {
		// arrange
		createdOn := time.Now().UTC()

		// act
		r, err := suite.executionStore.CreateRun(context.Background(), "api-tests", 5, createdOn)

		// assert
		suite.NoError(err)
		suite.NotZero(r.RunID)
		suite.Equal(StatusPending, r.Status)

		read, err := suite.executionStore.ReadRunByID(context.Background(), r.RunID)
		suite.NoError(err)
		suite.Equal("api-tests", read.JobName)
		suite.Equal(int64(5), read.TotalCases)
		suite.Equal(StatusPending, read.Status)
		suite.WithinDuration(createdOn, read.CreatedOn, time.Millisecond)
		suite.False(read.HasExternalReference())
		suite.Nil(read.StartedOn)
	})
}

func (suite *executionSQLiteStoreSuite) TestExecutionSQLiteStore_ReadRunByID() {
	suite.Run("failure - run not found", func() {
		// act
		r, err := suite.executionStore.ReadRunByID(context.Background(), 999_999)

		// assert
		suite.Nil(r)
		suite.ErrorIs(err, sql.ErrNoRows)
	})
}

func (suite *executionSQLiteStoreSuite) TestExecutionSQLiteStore_UpdateRunJenkinsInfo() {
	suite.Run("success - jenkins reference stored", func() {
		// arrange
		r := suite.createRun(time.Now())

		// act
		err := suite.executionStore.UpdateRunJenkinsInfo(
			context.Background(), r.RunID, "team/api-tests", "17", "http://ci/job/team/job/api-tests/17/",
		)

		// assert
		suite.NoError(err)
		read, err := suite.executionStore.ReadRunByID(context.Background(), r.RunID)
		suite.NoError(err)
		suite.True(read.HasExternalReference())
		suite.Equal("team/api-tests", *read.JenkinsJob)
		suite.Equal("17", *read.JenkinsBuildID)
	})
	suite.Run("failure - run not found", func() {
		// act
		err := suite.executionStore.UpdateRunJenkinsInfo(context.Background(), 999_999, "job", "1", "")

		// assert
		suite.ErrorIs(err, sql.ErrNoRows)
	})
}

func (suite *executionSQLiteStoreSuite) TestExecutionSQLiteStore_UpdateRunStarted() {
	suite.Run("success - pending run moves to running once", func() {
		// arrange
		r := suite.createRun(time.Now())
		startedOn := time.Now().UTC()

		// act
		first, err1 := suite.executionStore.UpdateRunStarted(context.Background(), r.RunID, startedOn)
		second, err2 := suite.executionStore.UpdateRunStarted(context.Background(), r.RunID, startedOn.Add(time.Minute))

		// assert
		suite.NoError(err1)
		suite.NoError(err2)
		suite.True(first)
		suite.False(second)
		read, err := suite.executionStore.ReadRunByID(context.Background(), r.RunID)
		suite.NoError(err)
		suite.Equal(StatusRunning, read.Status)
		suite.Require().NotNil(read.StartedOn)
		suite.WithinDuration(startedOn, *read.StartedOn, time.Millisecond)
	})
}

func (suite *executionSQLiteStoreSuite) TestExecutionSQLiteStore_CompleteRun() {
	suite.Run("success - completion and results written", func() {
		// arrange
		r := suite.createRun(time.Now())
		msg := "all good"
		total := int64(3)
		completion := Completion{
			Status:      StatusSuccess,
			PassedCases: 2,
			DurationMs:  4200,
			Message:     &msg,
			EndedOn:     time.Now(),
			Results: []RunResult{
				{CaseID: 1, CaseName: "login", Status: CaseStatusPassed, DurationMs: 2000, AssertionsTotal: &total},
				{CaseID: 2, CaseName: "logout", Status: CaseStatusPassed, DurationMs: 2200},
			},
		}

		// act
		applied, err := suite.executionStore.CompleteRun(context.Background(), r.RunID, completion, false)

		// assert
		suite.NoError(err)
		suite.True(applied)
		read, err := suite.executionStore.ReadRunByID(context.Background(), r.RunID)
		suite.NoError(err)
		suite.Equal(StatusSuccess, read.Status)
		suite.Equal(int64(2), read.PassedCases)
		suite.Require().NotNil(read.DurationMs)
		suite.Equal(int64(4200), *read.DurationMs)
		suite.Require().NotNil(read.EndedOn)
		suite.Equal("all good", *read.Message)
		results, err := suite.executionStore.ListRunResults(context.Background(), r.RunID)
		suite.NoError(err)
		suite.Len(results, 2)
		suite.Equal("login", results[0].CaseName)
		suite.Require().NotNil(results[0].AssertionsTotal)
		suite.Equal(int64(3), *results[0].AssertionsTotal)
	})
	suite.Run("success - terminal run is not overwritten without force", func() {
		// arrange
		r := suite.createRun(time.Now())
		_, err := suite.executionStore.CompleteRun(context.Background(), r.RunID, Completion{
			Status:  StatusSuccess,
			EndedOn: time.Now(),
		}, false)
		suite.Require().NoError(err)

		// act
		applied, err := suite.executionStore.CompleteRun(context.Background(), r.RunID, Completion{
			Status:  StatusAborted,
			EndedOn: time.Now(),
			Results: []RunResult{{CaseID: 1, CaseName: "late", Status: CaseStatusFailed}},
		}, false)

		// assert
		suite.NoError(err)
		suite.False(applied)
		read, _ := suite.executionStore.ReadRunByID(context.Background(), r.RunID)
		suite.Equal(StatusSuccess, read.Status)
		results, _ := suite.executionStore.ListRunResults(context.Background(), r.RunID)
		suite.Empty(results)
	})
	suite.Run("success - force overwrites and upserts results", func() {
		// arrange
		r := suite.createRun(time.Now())
		_, err := suite.executionStore.CompleteRun(context.Background(), r.RunID, Completion{
			Status:  StatusFailed,
			EndedOn: time.Now(),
			Results: []RunResult{{CaseID: 1, CaseName: "login", Status: CaseStatusFailed}},
		}, false)
		suite.Require().NoError(err)

		// act
		applied, err := suite.executionStore.CompleteRun(context.Background(), r.RunID, Completion{
			Status:  StatusAborted,
			EndedOn: time.Now(),
			Results: []RunResult{{CaseID: 1, CaseName: "login", Status: CaseStatusSkipped}},
		}, true)

		// assert
		suite.NoError(err)
		suite.True(applied)
		read, _ := suite.executionStore.ReadRunByID(context.Background(), r.RunID)
		suite.Equal(StatusAborted, read.Status)
		results, _ := suite.executionStore.ListRunResults(context.Background(), r.RunID)
		suite.Require().Len(results, 1)
		suite.Equal(CaseStatusSkipped, results[0].Status)
	})
}

func (suite *executionSQLiteStoreSuite) TestExecutionSQLiteStore_ListActiveRuns() {
	suite.Run("success - only active runs inside the window", func() {
		// arrange
		base := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
		tooOld := suite.createRun(base.Add(-48 * time.Hour))
		inWindow := suite.createRun(base.Add(-time.Hour))
		running := suite.createRun(base.Add(-30 * time.Minute))
		_, err := suite.executionStore.UpdateRunStarted(context.Background(), running.RunID, base)
		suite.Require().NoError(err)
		done := suite.createRun(base.Add(-20 * time.Minute))
		_, err = suite.executionStore.CompleteRun(context.Background(), done.RunID, Completion{
			Status:  StatusCancelled,
			EndedOn: base,
		}, false)
		suite.Require().NoError(err)
		tooNew := suite.createRun(base.Add(-time.Second))

		// act
		runs, err := suite.executionStore.ListActiveRuns(
			context.Background(), base.Add(-20*time.Second), base.Add(-24*time.Hour), 20,
		)

		// assert
		suite.NoError(err)
		ids := make([]int64, 0, len(runs))
		for _, r := range runs {
			ids = append(ids, r.RunID)
		}
		suite.Equal([]int64{inWindow.RunID, running.RunID}, ids)
		suite.NotContains(ids, tooOld.RunID)
		suite.NotContains(ids, tooNew.RunID)
	})
}

func (suite *executionSQLiteStoreSuite) TestExecutionSQLiteStore_ListRunsWithExternalRef() {
	suite.Run("success - runs without a reference are skipped", func() {
		// arrange
		base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		referenced := suite.createReferencedRun(base, "101")
		suite.createRun(base.Add(time.Minute))

		// act
		runs, err := suite.executionStore.ListRunsWithExternalRef(context.Background(), 1)

		// assert
		suite.NoError(err)
		suite.Require().Len(runs, 1)
		suite.Equal(referenced.RunID, runs[0].RunID)
	})
}

func (suite *executionSQLiteStoreSuite) TestExecutionSQLiteStore_AbandonRuns() {
	suite.Run("success - old active runs are aborted", func() {
		// arrange
		base := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
		old := suite.createRun(base.Add(-25 * time.Hour))
		recent := suite.createRun(base.Add(-time.Hour))

		// act
		n, err := suite.executionStore.AbandonRuns(
			context.Background(), base.Add(-24*time.Hour), base, "abandoned",
		)

		// assert
		suite.NoError(err)
		suite.Equal(int64(1), n)
		read, _ := suite.executionStore.ReadRunByID(context.Background(), old.RunID)
		suite.Equal(StatusAborted, read.Status)
		suite.Equal("abandoned", *read.Message)
		suite.Require().NotNil(read.DurationMs)
		suite.Equal((25 * time.Hour).Milliseconds(), *read.DurationMs)
		read, _ = suite.executionStore.ReadRunByID(context.Background(), recent.RunID)
		suite.Equal(StatusPending, read.Status)
		suite.Nil(read.DurationMs)
	})
	suite.Run("success - duration counts from the start of the run", func() {
		// arrange
		base := time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC)
		started := suite.createRun(base.Add(-30 * time.Hour))
		_, err := suite.executionStore.UpdateRunStarted(
			context.Background(), started.RunID, base.Add(-26*time.Hour),
		)
		suite.Require().NoError(err)

		// act
		n, err := suite.executionStore.AbandonRuns(
			context.Background(), base.Add(-24*time.Hour), base, "abandoned",
		)

		// assert
		suite.NoError(err)
		suite.GreaterOrEqual(n, int64(1))
		read, _ := suite.executionStore.ReadRunByID(context.Background(), started.RunID)
		suite.Equal(StatusAborted, read.Status)
		suite.Require().NotNil(read.DurationMs)
		suite.Equal((26 * time.Hour).Milliseconds(), *read.DurationMs)
	})
}
