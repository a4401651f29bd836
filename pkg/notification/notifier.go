package notification

// NotificationSystem represents a delivery channel (e.g. email, sms).
type NotificationSystem string

// NoticeType identifies a kind of notification (e.g. "email_verification").
type NoticeType string

const (
	EmailSystem NotificationSystem = "email"

	EmailVerificationNotice NoticeType = "email_verification"
	TwofaSetupCodeNotice    NoticeType = "twofa_setup_code"
	TwofaLoginCodeNotice    NoticeType = "twofa_login_code"
	TwofaDisableCodeNotice  NoticeType = "twofa_disable_code"

	ExampleNotice NoticeType = "example"
)

// NoticeTemplate holds the subject and body templates for a notice.
// Text and Html are Go template strings rendered with NotificationData.Data.
type NoticeTemplate struct {
	Subject string
	Text    string
	Html    string
}

type NotificationData struct {
	To      string            // Recipient identifier (e.g., email address)
	Subject string            // Optional: overrides the template subject
	Body    string            // Optional: pre-rendered content
	Data    map[string]string // Template data
}

type Notifier interface {
	Send(noticeType NoticeType, notification NotificationData, template NoticeTemplate) error
}
