package domain

import "testing"

func TestCurrentStateAllCombinations(t *testing.T) {
	cases := []struct {
		task1, task2, task3 bool
		want                PostState
	}{
		{false, false, false, StateWaitingNegative},
		{true, false, false, StateWaitingPositive},
		{true, true, false, StateWaitingPractice},
		{true, true, true, StateFinished},
		// «невозможные» комбинации разрешаются по первой незакрытой задаче
		{false, true, false, StateWaitingNegative},
		{false, false, true, StateWaitingNegative},
		{false, true, true, StateWaitingNegative},
		{true, false, true, StateWaitingPositive},
	}
	for _, c := range cases {
		got := CurrentState(c.task1, c.task2, c.task3)
		if got != c.want {
			t.Fatalf("CurrentState(%v,%v,%v) = %s, ожидали %s", c.task1, c.task2, c.task3, got, c.want)
		}
	}
}

func TestPostStateDerived(t *testing.T) {
	post := InteractivePost{Task1Completed: true}
	if post.State() != StateWaitingPositive {
		t.Fatalf("ожидали waiting_positive, получили %s", post.State())
	}
	if post.Finished() {
		t.Fatal("пост с одной задачей не может быть завершён")
	}
	post.Task2Completed = true
	post.Task3Completed = true
	if !post.Finished() {
		t.Fatal("ожидали завершённый пост")
	}
}

func TestIsGenerationFailed(t *testing.T) {
	if !IsGenerationFailed("  " + GenerationFailed + " ") {
		t.Fatal("сентинел не распознан")
	}
	if IsGenerationFailed("обычный текст") {
		t.Fatal("ложное срабатывание сентинела")
	}
}
