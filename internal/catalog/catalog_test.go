package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"slashbot/internal/schedule"
	"slashbot/internal/storage"
	logx "slashbot/pkg/logx"
)

type memStore struct {
	mu       sync.Mutex
	jobs     []storage.JobRecord
	settings *storage.SettingsRecord
	jobSaves int
	failJobs error
}

func (m *memStore) LoadChats(context.Context) ([]storage.ChatRecord, error) { return nil, nil }
func (m *memStore) SaveChats(context.Context, []storage.ChatRecord) error   { return nil }
func (m *memStore) LoadSettings(context.Context) (storage.SettingsRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return storage.SettingsRecord{}, false, nil
	}
	return *m.settings, true, nil
}
func (m *memStore) SaveSettings(_ context.Context, s storage.SettingsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	return nil
}
func (m *memStore) LoadJobs(context.Context) ([]storage.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.JobRecord(nil), m.jobs...), nil
}
func (m *memStore) SaveJobs(_ context.Context, j []storage.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failJobs != nil {
		return &storage.Error{Kind: storage.KindJobs, Op: "save", Err: m.failJobs}
	}
	m.jobSaves++
	m.jobs = append([]storage.JobRecord(nil), j...)
	return nil
}
func (m *memStore) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (m *memStore) Close() error                                          { return nil }

var testNow = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC) // Monday

func newTestCatalog(t *testing.T, st *memStore) *Catalog {
	t.Helper()
	n := 0
	c := New(Config{DefaultTimezone: "UTC"}, st, logx.Nop(),
		WithClock(func() time.Time { return testNow }),
		WithIDFunc(func() string { n++; return fmt.Sprintf("msg_%d", n) }),
	)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

func ids(jobs []schedule.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t, &memStore{})
	ctx := context.Background()

	cases := []struct {
		name  string
		in    JobInput
		field string
	}{
		{"missing chat", JobInput{Message: "x", Recurring: true, Weekdays: []int{1}, Time: "09:00"}, "chat_id"},
		{"blank message", JobInput{ChatID: 1, Message: "  ", Recurring: true, Weekdays: []int{1}, Time: "09:00"}, "message"},
		{"no weekdays", JobInput{ChatID: 1, Message: "x", Recurring: true, Time: "09:00"}, "recurring_pattern.days"},
		{"bad time", JobInput{ChatID: 1, Message: "x", Recurring: true, Weekdays: []int{1}, Time: "9"}, "recurring_pattern.time"},
		{"bad timezone", JobInput{ChatID: 1, Message: "x", SendTime: "2024-05-07T10:00:00Z", Timezone: "Mars/Olympus"}, "timezone"},
		{"past one-off", JobInput{ChatID: 1, Message: "x", SendTime: "2024-05-06T07:58:00Z"}, "send_time"},
		{"bad policy", JobInput{ChatID: 1, Message: "x", SendTime: "2024-05-07T10:00:00Z", OnFailure: "retry_forever"}, "on_failure"},
	}
	for _, tc := range cases {
		_, err := c.Create(ctx, tc.in)
		var ve *schedule.ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("%s: err = %v, want field %q", tc.name, err, tc.field)
		}
	}
	if len(c.UserJobs()) != 0 {
		t.Fatalf("invalid input reached the store")
	}
}

func TestCreateOneOffWithinTolerance(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	c := newTestCatalog(t, st)

	j, err := c.Create(context.Background(), JobInput{ChatID: 7, Message: "soon", SendTime: "2024-05-06T07:59:30Z"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.ID != "msg_1" || j.Origin != schedule.OriginUser || !j.Mutable || j.OnFailure != schedule.OnFailureDrop {
		t.Fatalf("unexpected job %+v", j)
	}
	if st.jobSaves != 1 || len(st.jobs) != 1 || st.jobs[0].SendTime != "2024-05-06T07:59:30Z" {
		t.Fatalf("persisted %+v", st.jobs)
	}
}

func TestSettingsChangeVisibleInNextMergedView(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t, &memStore{})
	ctx := context.Background()

	if got := c.MergedView(nil); len(got) != 0 {
		t.Fatalf("primary visible without a chat: %v", ids(got))
	}

	var changes []Change
	c.Subscribe(func(ch Change) { changes = append(changes, ch) })

	if _, err := c.Update(ctx, PrimaryJobID, Patch{ChatID: ptr(int64(100))}); err != nil {
		t.Fatalf("update primary: %v", err)
	}
	view := c.MergedView(nil)
	if len(view) != 1 || view[0].ID != PrimaryJobID || view[0].ChatID != 100 {
		t.Fatalf("view = %+v", view)
	}

	if _, err := c.Update(ctx, PrimaryJobID, Patch{ChatID: ptr(int64(200)), Time: ptr("11:45")}); err != nil {
		t.Fatalf("update primary: %v", err)
	}
	view = c.MergedView(nil)
	if view[0].ChatID != 200 || view[0].Trigger.At != (schedule.TimeOfDay{Hour: 11, Minute: 45}) {
		t.Fatalf("view = %+v", view[0])
	}
	if view[0].Origin != schedule.OriginSystem || view[0].Mutable {
		t.Fatalf("primary must be a read-only system job")
	}
	if len(changes) != 2 || changes[0].Op != "settings" {
		t.Fatalf("changes = %+v", changes)
	}
	if c.Settings().PrimaryTimezone != schedule.DefaultPrimaryTimezone {
		t.Fatalf("timezone lost: %+v", c.Settings())
	}
}

func TestPrimaryRejectsOtherFields(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t, &memStore{})
	_, err := c.Update(context.Background(), PrimaryJobID, Patch{Message: ptr("other")})
	var ve *schedule.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestPrimaryTimeWithoutChatSavesNothing(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	c := newTestCatalog(t, st)
	_, err := c.Update(context.Background(), PrimaryJobID, Patch{Time: ptr("11:15")})
	var ve *schedule.ValidationError
	if !errors.As(err, &ve) || ve.Field != "chat_id" {
		t.Fatalf("err = %v, want chat_id ValidationError", err)
	}
	if st.settings != nil {
		t.Fatalf("settings written despite rejection: %+v", *st.settings)
	}
	if got := c.Settings().PrimaryTime; got == (schedule.TimeOfDay{Hour: 11, Minute: 15}) {
		t.Fatalf("in-memory time changed to %s", got)
	}

	// With a chat in the same request the update goes through.
	j, err := c.Update(context.Background(), PrimaryJobID, Patch{ChatID: ptr(int64(42)), Time: ptr("11:15")})
	if err != nil {
		t.Fatalf("update with chat: %v", err)
	}
	if j.ChatID != 42 || j.Trigger.At != (schedule.TimeOfDay{Hour: 11, Minute: 15}) {
		t.Fatalf("job = %+v", j)
	}
}

func TestMergedViewFilter(t *testing.T) {
	t.Parallel()
	chat := int64(42)
	st := &memStore{settings: &storage.SettingsRecord{ScheduledChatID: &chat, ScheduledTime: "16:00"}}
	c := newTestCatalog(t, st)
	ctx := context.Background()

	for _, id := range []int64{42, 43} {
		if _, err := c.Create(ctx, JobInput{ChatID: id, Message: "hi", Recurring: true, Weekdays: []int{1}, Time: "09:00"}); err != nil {
			t.Fatal(err)
		}
	}

	all := ids(c.MergedView(nil))
	if fmt.Sprint(all) != "[msg_1 msg_2 sys_daily_maket]" {
		t.Fatalf("unfiltered = %v", all)
	}
	got := ids(c.MergedView(&chat))
	if fmt.Sprint(got) != "[msg_1 sys_daily_maket sys_morning_42 sys_friday_42]" {
		t.Fatalf("filtered = %v", got)
	}
	other := int64(43)
	got = ids(c.MergedView(&other))
	if fmt.Sprint(got) != "[msg_2 sys_morning_43 sys_friday_43]" {
		t.Fatalf("filtered other = %v", got)
	}
	for _, j := range c.MergedView(&other)[1:] {
		if j.Origin != schedule.OriginSystem || j.Mutable || j.Broadcast || j.ChatID != 43 {
			t.Fatalf("bad synthesized entry %+v", j)
		}
	}
	if n := len(st.jobs); n != 2 {
		t.Fatalf("system entries leaked into the job list: %d records", n)
	}
}

func TestSystemJobsArmable(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t, &memStore{})
	got := ids(c.SystemJobs())
	if fmt.Sprint(got) != "[sys_morning sys_friday]" {
		t.Fatalf("system jobs = %v", got)
	}
	for _, j := range c.SystemJobs() {
		if !j.Broadcast {
			t.Fatalf("template %s must broadcast", j.ID)
		}
	}
}

func TestUpdateDeleteErrors(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t, &memStore{})
	ctx := context.Background()

	if _, err := c.Update(ctx, "msg_missing", Patch{Message: ptr("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	if err := c.Delete(ctx, "msg_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing: %v", err)
	}
	for _, id := range []string{"sys_morning", "sys_friday_42", PrimaryJobID} {
		if err := c.Delete(ctx, id); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("delete %s: %v", id, err)
		}
	}
	if _, err := c.Update(ctx, "sys_morning_42", Patch{Time: ptr("10:00")}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("update template: %v", err)
	}
}

func TestUpdateUserJob(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t, &memStore{})
	ctx := context.Background()
	j, err := c.Create(ctx, JobInput{ChatID: 1, Message: "a", Recurring: true, Weekdays: []int{1, 2}, Time: "09:00"})
	if err != nil {
		t.Fatal(err)
	}

	up, err := c.Update(ctx, j.ID, Patch{Message: ptr("b"), Time: ptr("10:30")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.Message != "b" || up.Trigger.At.String() != "10:30" || len(up.Trigger.Weekdays) != 2 {
		t.Fatalf("updated = %+v", up)
	}

	// Switching to one-off needs a send time.
	if _, err := c.Update(ctx, j.ID, Patch{Recurring: ptr(false)}); err == nil {
		t.Fatalf("expected validation error")
	}
	up, err = c.Update(ctx, j.ID, Patch{Recurring: ptr(false), SendTime: ptr("2024-05-07T09:00:00Z")})
	if err != nil || up.Trigger.Kind != schedule.KindOneOff {
		t.Fatalf("switch to one-off: %+v %v", up, err)
	}
}

func TestPersistenceFailureLeavesMemory(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	c := newTestCatalog(t, st)
	ctx := context.Background()
	j, err := c.Create(ctx, JobInput{ChatID: 1, Message: "a", Recurring: true, Weekdays: []int{1}, Time: "09:00"})
	if err != nil {
		t.Fatal(err)
	}

	st.failJobs = errors.New("read-only fs")
	_, err = c.Create(ctx, JobInput{ChatID: 2, Message: "b", Recurring: true, Weekdays: []int{1}, Time: "09:00"})
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Fatalf("create err = %v, want storage error", err)
	}
	if err := c.Delete(ctx, j.ID); !errors.As(err, &se) {
		t.Fatalf("delete err = %v, want storage error", err)
	}
	if got := ids(c.UserJobs()); fmt.Sprint(got) != "[msg_1]" {
		t.Fatalf("memory drifted: %v", got)
	}
}

func TestMarkFiredRemovesOneOff(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	c := newTestCatalog(t, st)
	ctx := context.Background()

	j, err := c.Create(ctx, JobInput{ChatID: 5, Message: "once", SendTime: "2024-05-06T08:01:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MarkFired(ctx, j.ID); err != nil {
		t.Fatalf("mark fired: %v", err)
	}
	if len(c.MergedView(nil)) != 0 || len(st.jobs) != 0 {
		t.Fatalf("fired one-off still present")
	}
	if err := c.MarkFired(ctx, j.ID); err != nil {
		t.Fatalf("second mark fired: %v", err)
	}
}

func TestLoadLegacyRecords(t *testing.T) {
	t.Parallel()
	st := &memStore{jobs: []storage.JobRecord{
		{ID: "msg_1", ChatID: 1, Message: "weekly", IsRecurring: true},
		{ID: "msg_2", ChatID: 2, Message: "once", SendTime: "2024-05-07T12:00:00"},
		{ID: "msg_3", ChatID: 3, Message: "broken", SendTime: "someday"},
		{ID: "msg_4", ChatID: 0, Message: "no chat", IsRecurring: true},
	}}
	c := newTestCatalog(t, st)

	jobs := c.UserJobs()
	if fmt.Sprint(ids(jobs)) != "[msg_1 msg_2]" {
		t.Fatalf("loaded = %v", ids(jobs))
	}
	if jobs[0].Trigger.At != legacyTime || len(jobs[0].Trigger.Weekdays) != 5 {
		t.Fatalf("legacy defaults not applied: %+v", jobs[0].Trigger)
	}
	if !jobs[1].Trigger.FireAt.Equal(time.Date(2024, 5, 7, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("naive send_time not read in default zone: %v", jobs[1].Trigger.FireAt)
	}
}

func TestUpdateSettingsRereadsStore(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	c := newTestCatalog(t, st)
	ctx := context.Background()

	// Another process enables the primary job behind our back.
	other := int64(77)
	st.settings = &storage.SettingsRecord{ScheduledChatID: &other, ScheduledTime: "12:00", ScheduledTimezone: "UTC"}

	s, err := c.UpdateSettings(ctx, func(s *schedule.Settings) error {
		s.PrimaryTime = schedule.TimeOfDay{Hour: 13, Minute: 0}
		return nil
	})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if s.PrimaryChatID == nil || *s.PrimaryChatID != 77 || s.PrimaryTimezone != "UTC" {
		t.Fatalf("foreign write lost: %+v", s)
	}
	if st.settings.ScheduledTime != "13:00" {
		t.Fatalf("persisted = %+v", st.settings)
	}

	_, err = c.UpdateSettings(ctx, func(s *schedule.Settings) error {
		s.PrimaryTimezone = "Atlantis/Capital"
		return nil
	})
	var ve *schedule.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("bad timezone err = %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
