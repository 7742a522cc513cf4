package domain

// PostState — состояние вечерней интерактивной сессии.
type PostState string

const (
	// StateWaitingNegative — ждём выгрузку негатива (задача 1).
	StateWaitingNegative PostState = "waiting_negative"
	// StateWaitingPositive — ждём плюшки (задача 2).
	StateWaitingPositive PostState = "waiting_positive"
	// StateWaitingPractice — ждём нажатие «сделал» по практике (задача 3).
	StateWaitingPractice PostState = "waiting_practice"
	// StateFinished — все три задачи закрыты.
	StateFinished PostState = "finished"
)

// CurrentState выводит состояние сессии из флагов выполнения задач.
// Состояние — чистая функция флагов; сохранённая строка состояния может быть
// только кэш-проекцией. Невозможные комбинации (например, третья задача
// выполнена раньше первой) разрешаются по первой незакрытой задаче.
func CurrentState(task1, task2, task3 bool) PostState {
	switch {
	case !task1:
		return StateWaitingNegative
	case !task2:
		return StateWaitingPositive
	case !task3:
		return StateWaitingPractice
	default:
		return StateFinished
	}
}

// MorningStep — шаг утреннего поста.
type MorningStep string

const (
	// MorningWaitingResponse — ждём первый отклик на утренний пост.
	MorningWaitingResponse MorningStep = "waiting_response"
	// MorningDone — отклик получен, пост закрыт на сегодня.
	MorningDone MorningStep = "done"
)
