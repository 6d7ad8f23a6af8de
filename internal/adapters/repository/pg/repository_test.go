package pg

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/ports"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := NewRepository(db)
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return repo
}

func seed(t *testing.T, repo *Repository) (*domain.TargetHost, *domain.TargetHost, *domain.JobDefinition) {
	t.Helper()
	active := &domain.TargetHost{Name: "box-a", Active: true, Address: "10.0.0.1", DockerdPort: 2376}
	inactive := &domain.TargetHost{Name: "box-b", Active: false, Address: "10.0.0.2"}
	for _, h := range []*domain.TargetHost{active, inactive} {
		if err := repo.DB().Create(h).Error; err != nil {
			t.Fatal(err)
		}
	}
	job := &domain.JobDefinition{
		Name:                "nmap-top",
		Image:               "nmap",
		TargetHostID:        &active.ID,
		ContinuouslyRunning: true,
		EnvironmentVars:     datatypes.JSON(`{"RATE":"100"}`),
	}
	if err := repo.DB().Create(job).Error; err != nil {
		t.Fatal(err)
	}
	return active, inactive, job
}

func TestListActiveTargetHosts(t *testing.T) {
	repo := newTestRepository(t)
	seed(t, repo)
	ctx := context.Background()

	hosts, err := repo.ListActiveTargetHosts(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 || hosts[0].Name != "box-a" {
		t.Errorf("active hosts = %v", hosts)
	}

	hosts, err = repo.ListActiveTargetHosts(ctx, []string{"box-b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 0 {
		t.Errorf("filtered inactive host should not be returned, got %v", hosts)
	}

	if _, err := repo.GetTargetHostByName(ctx, "nope"); !errors.Is(err, ports.ErrUnknownRootbox) {
		t.Errorf("GetTargetHostByName() err = %v, want ErrUnknownRootbox", err)
	}
}

func TestJobDefinitions(t *testing.T) {
	repo := newTestRepository(t)
	host, _, job := seed(t, repo)
	ctx := context.Background()

	got, err := repo.GetJobDefinition(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("GetJobDefinition() = %v, %v", got, err)
	}
	if got.TargetHost == nil || got.TargetHost.ID != host.ID {
		t.Errorf("rootbox not preloaded: %+v", got.TargetHost)
	}
	if got.DockerTag != "latest" {
		t.Errorf("DockerTag = %q, want latest", got.DockerTag)
	}

	missing, err := repo.GetJobDefinition(ctx, 999)
	if err != nil || missing != nil {
		t.Errorf("GetJobDefinition(999) = %v, %v, want nil, nil", missing, err)
	}

	if _, err := repo.GetJobDefinitionByName(ctx, "unknown"); !errors.Is(err, ports.ErrUnknownScanner) {
		t.Errorf("GetJobDefinitionByName() err = %v, want ErrUnknownScanner", err)
	}

	cont, err := repo.ListContinuous(ctx, "box-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(cont) != 1 || cont[0].TargetHost == nil {
		t.Errorf("ListContinuous(box-a) = %v", cont)
	}
	cont, err = repo.ListContinuous(ctx, "box-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(cont) != 0 {
		t.Errorf("ListContinuous(box-b) = %v, want empty", cont)
	}
}

func TestUpsertJobRun_Idempotent(t *testing.T) {
	repo := newTestRepository(t)
	host, _, job := seed(t, repo)
	ctx := context.Background()

	run := &domain.JobRun{Name: "1-nmap-1700000000", JobDefinitionID: &job.ID, TargetHostID: &host.ID, State: domain.RunStateRunning}
	created, err := repo.UpsertJobRun(ctx, run)
	if err != nil || !created {
		t.Fatalf("first UpsertJobRun() = %v, %v", created, err)
	}
	firstSeen := run.FirstSeen

	time.Sleep(5 * time.Millisecond)
	again := &domain.JobRun{Name: "1-nmap-1700000000", JobDefinitionID: &job.ID, TargetHostID: &host.ID, State: domain.RunStateExited}
	created, err = repo.UpsertJobRun(ctx, again)
	if err != nil || created {
		t.Fatalf("second UpsertJobRun() = %v, %v", created, err)
	}
	if again.ID != run.ID {
		t.Errorf("ID changed: %d != %d", again.ID, run.ID)
	}
	if again.State != domain.RunStateExited {
		t.Errorf("State = %q, want exited", again.State)
	}
	if !again.FirstSeen.Equal(firstSeen) {
		t.Errorf("FirstSeen changed: %v != %v", again.FirstSeen, firstSeen)
	}
	if !again.LastSeen.After(firstSeen) {
		t.Errorf("LastSeen %v not bumped past %v", again.LastSeen, firstSeen)
	}

	var count int64
	repo.DB().Model(&domain.JobRun{}).Count(&count)
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}

	if err := repo.SetExitCode(ctx, run.ID, 3); err != nil {
		t.Fatal(err)
	}
	var stored domain.JobRun
	repo.DB().First(&stored, run.ID)
	if stored.ExitCode == nil || *stored.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", stored.ExitCode)
	}
}

func TestOutputLines(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	run := &domain.JobRun{Name: "1-x-1", State: domain.RunStateRunning}
	if _, err := repo.UpsertJobRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := repo.LastOutputTimestamp(ctx, run.ID); err != nil || ok {
		t.Fatalf("LastOutputTimestamp() on empty run = %v, %v", ok, err)
	}

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var lines []*domain.JobOutputLine
	for i := 0; i < 250; i++ {
		lines = append(lines, &domain.JobOutputLine{
			JobRunID:  run.ID,
			Timestamp: base.Add(time.Duration(i) * time.Microsecond),
			Line:      fmt.Sprintf("line %d", i),
		})
	}
	if err := repo.BulkInsertOutput(ctx, lines); err != nil {
		t.Fatal(err)
	}

	last, ok, err := repo.LastOutputTimestamp(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("LastOutputTimestamp() = %v, %v", ok, err)
	}
	if want := base.Add(249 * time.Microsecond); !last.Equal(want) {
		t.Errorf("last = %v, want %v", last, want)
	}
}

func TestCreateRawResult(t *testing.T) {
	repo := newTestRepository(t)
	host, _, job := seed(t, repo)
	res := &domain.RawResult{Active: true, JobDefinitionID: &job.ID, TargetHostID: &host.ID, FileName: "out.xml", RawResults: "<x/>"}
	if err := repo.CreateRawResult(context.Background(), res); err != nil {
		t.Fatal(err)
	}
	if res.ID == 0 {
		t.Error("expected ID to be assigned")
	}
}
