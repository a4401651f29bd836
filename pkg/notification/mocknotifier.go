package notification

import "fmt"

// MockNotifier records sent notifications for tests. When FailNext is set the
// next Send returns an error and clears the flag.
type MockNotifier struct {
	SentNotifications []NotificationData
	SentTypes         []NoticeType
	FailNext          bool
}

func (m *MockNotifier) Send(noticeType NoticeType, notification NotificationData, template NoticeTemplate) error {
	if m.FailNext {
		m.FailNext = false
		return fmt.Errorf("mock notifier: send failed")
	}
	m.SentNotifications = append(m.SentNotifications, notification)
	m.SentTypes = append(m.SentTypes, noticeType)
	return nil
}
