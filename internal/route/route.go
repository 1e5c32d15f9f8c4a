// Package route は通知の種類とユーザーのロールから画面遷移先を決める。
package route

import (
	"github.com/nao1215/perfhub/pkg/event"
	"github.com/nao1215/perfhub/pkg/role"
)

// 遷移先のパス。
const (
	EmployeeGoals  = "/employeeGoals"
	ManageGoals    = "/manageGoals"
	ManageReviews  = "/manageReviews"
	ManageFeedback = "/manageFeedback"
	// ManageSuccession は既存画面のパス表記に合わせている。
	ManageSuccession = "/manageSuccesion"
)

// Navigator は画面遷移を行う。
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc は関数をNavigatorとして使うためのアダプター。
type NavigatorFunc func(path string)

// Navigate はf(path)を呼ぶ。
func (f NavigatorFunc) Navigate(path string) { f(path) }

// Route は通知種別とロールに対応する遷移先を返す。遷移しない場合はfalseを返す。
// 同じ入力には常に同じ結果を返す。
func Route(t event.Type, r role.Role) (string, bool) {
	switch t {
	case event.TypeGoalCreated, event.TypeGoalUpdated, event.TypeGoalUnsent:
		switch r {
		case role.Employee:
			return EmployeeGoals, true
		case role.Manager:
			return ManageGoals, true
		default:
			return "", false
		}
	case event.TypeReviewUnset:
		return ManageReviews, true
	case event.TypeFeedbackUnsent:
		return ManageFeedback, true
	case event.TypeNewSuccession:
		return ManageSuccession, true
	case event.TypeGeneral:
		return "", false
	default:
		return "", false
	}
}

// Follow は通知の遷移先があればnavに遷移させ、遷移したかを返す。
func Follow(rec event.Record, r role.Role, nav Navigator) bool {
	path, ok := Route(rec.NotificationType, r)
	if !ok {
		return false
	}
	nav.Navigate(path)
	return true
}
