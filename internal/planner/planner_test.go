package planner

import (
	"context"
	"testing"
	"time"

	"autopost-engine/internal/faults"
	"autopost-engine/internal/models"
)

type fakeAccounts struct {
	active []models.Account
}

func (f *fakeAccounts) ListActiveAccounts(context.Context) ([]models.Account, error) {
	return f.active, nil
}

func (f *fakeAccounts) ListAccountsByIDs(_ context.Context, ids []string) ([]models.Account, error) {
	var out []models.Account
	for _, a := range f.active {
		for _, id := range ids {
			if a.ID == id {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

type fakeLeases struct {
	held map[string]bool
}

func (f *fakeLeases) Held(_ context.Context, accountID string) (bool, error) {
	return f.held[accountID], nil
}

func activeAccounts(n int) []models.Account {
	out := make([]models.Account, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Account{
			ID:     string(rune('a'+i)) + "-acct",
			Status: models.AccountActive,
		})
	}
	return out
}

func testCampaign(sel models.AccountSelection, videos []string) models.Campaign {
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	return models.Campaign{
		ID:              "camp-1",
		Name:            "launch",
		Status:          models.CampaignDraft,
		VideoPaths:      videos,
		CaptionTemplate: "new drop #fyp",
		Selection:       sel,
		Schedule: models.Schedule{
			StartTime:       start,
			EndTime:         start.Add(2 * time.Hour),
			DelayMinSeconds: 60,
			DelayMaxSeconds: 180,
		},
		Seed: 99,
	}
}

func TestPlanAllFiveAccountsOneVideo(t *testing.T) {
	// 5 accounts, strategy ALL, 1 video, window 08:00-10:00, delay 60-180s:
	// exactly 5 jobs, strictly increasing scheduled_at, all inside the window.
	src := &fakeAccounts{active: activeAccounts(5)}
	p := New(src, nil, 3, nil)
	c := testCampaign(models.AccountSelection{Strategy: models.SelectAll}, []string{"/videos/a.mp4"})

	jobs, err := p.Plan(context.Background(), c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(jobs) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(jobs))
	}

	seenAccounts := make(map[string]bool)
	for i, j := range jobs {
		if j.ScheduledAt.Before(c.Schedule.StartTime) || j.ScheduledAt.After(c.Schedule.EndTime) {
			t.Fatalf("job %d scheduled outside window: %s", i, j.ScheduledAt)
		}
		if i > 0 && !jobs[i].ScheduledAt.After(jobs[i-1].ScheduledAt) {
			t.Fatalf("scheduled times not strictly increasing at %d: %s vs %s", i, jobs[i-1].ScheduledAt, jobs[i].ScheduledAt)
		}
		if j.VideoPath != "/videos/a.mp4" {
			t.Fatalf("job %d wrong video: %s", i, j.VideoPath)
		}
		if j.Status != models.JobPending || j.Category != models.CategoryUpload {
			t.Fatalf("job %d wrong status/category: %s/%s", i, j.Status, j.Category)
		}
		seenAccounts[j.AccountID] = true
	}
	if len(seenAccounts) != 5 {
		t.Fatalf("expected every account used once, got %d", len(seenAccounts))
	}
}

func TestPlanRoundRobinVideos(t *testing.T) {
	src := &fakeAccounts{active: activeAccounts(2)}
	p := New(src, nil, 3, nil)
	videos := []string{"/v/1.mp4", "/v/2.mp4", "/v/3.mp4", "/v/4.mp4"}
	c := testCampaign(models.AccountSelection{Strategy: models.SelectAll}, videos)

	jobs, err := p.Plan(context.Background(), c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// More videos than accounts: every video used, accounts share evenly.
	if len(jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(jobs))
	}
	perAccount := make(map[string]int)
	perVideo := make(map[string]int)
	for _, j := range jobs {
		perAccount[j.AccountID]++
		perVideo[j.VideoPath]++
	}
	for v, n := range perVideo {
		if n != 1 {
			t.Fatalf("video %s used %d times", v, n)
		}
	}
	for a, n := range perAccount {
		if n != 2 {
			t.Fatalf("account %s got %d jobs, want 2", a, n)
		}
	}
}

func TestPlanReproducibleWithSeed(t *testing.T) {
	src := &fakeAccounts{active: activeAccounts(6)}
	p := New(src, nil, 3, nil)
	c := testCampaign(models.AccountSelection{Strategy: models.SelectRandom, Count: 3}, []string{"/v/1.mp4"})

	first, err := p.Plan(context.Background(), c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	second, err := p.Plan(context.Background(), c)
	if err != nil {
		t.Fatalf("plan again: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 jobs each, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].AccountID != second[i].AccountID || !first[i].ScheduledAt.Equal(second[i].ScheduledAt) {
			t.Fatalf("same seed produced different plans at %d", i)
		}
		if first[i].Seed != second[i].Seed {
			t.Fatalf("same campaign seed produced different job seeds at %d", i)
		}
		if first[i].Seed == 0 {
			t.Fatalf("job %d missing variation seed", i)
		}
	}
}

func TestPlanRandomCountTooLarge(t *testing.T) {
	src := &fakeAccounts{active: activeAccounts(2)}
	p := New(src, nil, 3, nil)
	c := testCampaign(models.AccountSelection{Strategy: models.SelectRandom, Count: 5}, []string{"/v/1.mp4"})

	if _, err := p.Plan(context.Background(), c); !faults.IsConfig(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPlanSpecificValidatesExistenceAndStatus(t *testing.T) {
	accts := activeAccounts(2)
	accts[1].Status = models.AccountBanned
	src := &fakeAccounts{active: accts}
	p := New(src, nil, 3, nil)

	c := testCampaign(models.AccountSelection{Strategy: models.SelectSpecific, AccountIDs: []string{accts[0].ID, "ghost"}}, []string{"/v/1.mp4"})
	if _, err := p.Plan(context.Background(), c); !faults.IsConfig(err) {
		t.Fatalf("missing account should be a configuration error, got %v", err)
	}

	c = testCampaign(models.AccountSelection{Strategy: models.SelectSpecific, AccountIDs: []string{accts[0].ID, accts[1].ID}}, []string{"/v/1.mp4"})
	if _, err := p.Plan(context.Background(), c); !faults.IsConfig(err) {
		t.Fatalf("banned account should be a configuration error, got %v", err)
	}
}

func TestPlanAllSkipsLeasedAccounts(t *testing.T) {
	accts := activeAccounts(3)
	src := &fakeAccounts{active: accts}
	leases := &fakeLeases{held: map[string]bool{accts[1].ID: true}}
	p := New(src, leases, 3, nil)

	c := testCampaign(models.AccountSelection{Strategy: models.SelectAll}, []string{"/v/1.mp4"})
	jobs, err := p.Plan(context.Background(), c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected leased account skipped, got %d jobs", len(jobs))
	}
	for _, j := range jobs {
		if j.AccountID == accts[1].ID {
			t.Fatalf("leased account %s must not receive jobs", accts[1].ID)
		}
	}
}

func TestPlanRejectsBadWindow(t *testing.T) {
	src := &fakeAccounts{active: activeAccounts(2)}
	p := New(src, nil, 3, nil)

	c := testCampaign(models.AccountSelection{Strategy: models.SelectAll}, []string{"/v/1.mp4"})
	c.Schedule.EndTime = c.Schedule.StartTime
	if _, err := p.Plan(context.Background(), c); !faults.IsConfig(err) {
		t.Fatalf("zero-length window should be a configuration error, got %v", err)
	}
}

func TestPlanEmptySelectionFails(t *testing.T) {
	src := &fakeAccounts{}
	p := New(src, nil, 3, nil)
	c := testCampaign(models.AccountSelection{Strategy: models.SelectAll}, []string{"/v/1.mp4"})

	if _, err := p.Plan(context.Background(), c); !faults.IsConfig(err) {
		t.Fatalf("empty account set should be a configuration error, got %v", err)
	}
}
