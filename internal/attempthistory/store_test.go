package attempthistory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

func waitForCount(t *testing.T, sink *Sink, jobID, testName string, want int) []Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := sink.ListByTest(jobID, testName)
		if err != nil {
			t.Fatalf("ListByTest failed: %v", err)
		}
		if len(records) >= want {
			return records
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d records, have %d", want, len(records))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordIsPersistedAndListable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "attempts.db")
	sink, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	sink.Record(Record{
		TestID:     "t1",
		JobID:      "job1",
		TestName:   "sample_test",
		Result:     labmodel.ResultFail,
		Cause:      labmodel.Cause{Kind: labmodel.CauseInfraIssue, ErrorID: labmodel.ErrorIDInfraGeneric},
		Properties: map[string]string{"RETRY_INDEX": "1"},
	})

	records := waitForCount(t, sink, "job1", "sample_test", 1)
	if records[0].Result != labmodel.ResultFail {
		t.Fatalf("Result = %v, want FAIL", records[0].Result)
	}
	if records[0].Properties["RETRY_INDEX"] != "1" {
		t.Fatalf("Properties[RETRY_INDEX] = %q, want 1", records[0].Properties["RETRY_INDEX"])
	}
}

func TestRecordUpsertsOnSameTestID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "attempts.db")
	sink, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	sink.Record(Record{TestID: "t1", JobID: "job1", TestName: "sample_test", Result: labmodel.ResultError})
	waitForCount(t, sink, "job1", "sample_test", 1)

	sink.Record(Record{TestID: "t1", JobID: "job1", TestName: "sample_test", Result: labmodel.ResultPass})

	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := sink.ListByTest("job1", "sample_test")
		if err != nil {
			t.Fatalf("ListByTest failed: %v", err)
		}
		if len(records) == 1 && records[0].Result == labmodel.ResultPass {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly one upserted record with result PASS, got %+v", records)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseDrainsPendingRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "attempts.db")
	sink, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		sink.Record(Record{TestID: string(rune('a' + i)), JobID: "job1", TestName: "burst_test", Result: labmodel.ResultPass})
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A fresh connection over the same closed DB should see every write
	// that happened before Close returned.
	sink2, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer sink2.Close()
	records, err := sink2.ListByTest("job1", "burst_test")
	if err != nil {
		t.Fatalf("ListByTest failed: %v", err)
	}
	if len(records) != 20 {
		t.Fatalf("expected 20 drained records, got %d", len(records))
	}
}
