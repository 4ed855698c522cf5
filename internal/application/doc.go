// Package application は応募サービスの内部実装を提供する。
//
// 求職者（APPLICANT)向けの応募CRUD APIとプロフィール管理を持つ。
// 認証はAuthGateミドルウェアが担い、ブラウザ閲覧用ページは
// 未認証時にログインページへリダイレクトされる。プロフィール作成時は
// 認証サービスへ外部アカウントIDの紐付けを行う。
package application
