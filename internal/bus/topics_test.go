package bus

import "testing"

func TestTopicConstants_AllDistinct(t *testing.T) {
	topics := map[string]bool{
		TopicTaskStatus:      true,
		TopicTaskCompleted:   true,
		TopicTaskError:       true,
		TopicPhaseUpdate:     true,
		TopicPhaseComplete:   true,
		TopicLog:             true,
		TopicTaskCancel:      true,
		TopicDeliveryExpired: true,
	}
	if len(topics) != 8 {
		t.Fatalf("expected 8 unique topics, got %d", len(topics))
	}
	for topic := range topics {
		if topic == "" {
			t.Fatal("found empty topic constant")
		}
	}
}

func TestTaskStatusEvent_Fields(t *testing.T) {
	e := TaskStatusEvent{TaskID: "t1", OldStatus: "PENDING", NewStatus: "RUNNING"}
	if e.TaskID == "" || e.OldStatus == "" || e.NewStatus == "" {
		t.Fatalf("unexpected zero value: %+v", e)
	}
}

func TestPhaseUpdateEvent_Fields(t *testing.T) {
	e := PhaseUpdateEvent{TaskID: "t1", StageID: "media", ItemID: "i1", Processed: 3, Total: 10}
	if e.Processed > e.Total {
		t.Fatalf("processed must not exceed total: %+v", e)
	}
}

func TestPhaseCompleteEvent_Fields(t *testing.T) {
	e := PhaseCompleteEvent{TaskID: "t1", StageID: "cache", Status: "completed"}
	if e.Status != "completed" && e.Status != "skipped" && e.Status != "failed" {
		t.Fatalf("unexpected status: %q", e.Status)
	}
}

func TestTaskErrorEvent_Fields(t *testing.T) {
	e := TaskErrorEvent{TaskID: "t1", ErrorKind: "HandlerError", Message: "boom"}
	if e.ErrorKind == "" {
		t.Fatal("ErrorKind must not be empty")
	}
}

func TestDeliveryExpiredEvent_Fields(t *testing.T) {
	e := DeliveryExpiredEvent{TaskID: "t1", DeliveryID: "d1"}
	if e.TaskID == "" || e.DeliveryID == "" {
		t.Fatalf("unexpected zero value: %+v", e)
	}
}
